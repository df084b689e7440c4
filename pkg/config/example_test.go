package config_test

import (
	"fmt"
	"log"
	"time"

	"github.com/g1879/datarecorder/pkg/config"
)

// ExampleNewRecorderConfig demonstrates the defaults of a new configuration.
func ExampleNewRecorderConfig() {
	cfg := config.NewRecorderConfig("out/data.csv")

	format, _ := cfg.Format()
	fmt.Printf("Format: %s\n", format)
	fmt.Printf("Cache Size: %d\n", cfg.CacheSize)
	fmt.Printf("Retry Interval: %s\n", cfg.Retry.Interval)

	// Output:
	// Format: csv
	// Cache Size: 1000
	// Retry Interval: 300ms
}

// ExampleRecorderConfig_Validate shows how to validate a configuration
// before using it.
func ExampleRecorderConfig_Validate() {
	cfg := config.NewRecorderConfig("out/data.db")
	cfg.Destination.Table = "events"
	cfg.Retry.Timeout = 30 * time.Second
	cfg.Schedule.Cron = "*/5 * * * *"

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("Configuration is valid!")
	fmt.Println(cfg.ScheduleSpec())

	// Output:
	// Configuration is valid!
	// */5 * * * *
}

// ExampleRecorderConfig_RetryPolicy shows how the retry section maps to a
// retry policy.
func ExampleRecorderConfig_RetryPolicy() {
	cfg := config.NewRecorderConfig("out/data.xlsx")
	fmt.Println(cfg.RetryPolicy().Unlimited())

	cfg.Retry.MaxAttempts = 10
	fmt.Println(cfg.RetryPolicy().Unlimited())

	// Output:
	// true
	// false
}
