package recerrors_test

import (
	"errors"
	"fmt"
	"os"

	"github.com/g1879/datarecorder/pkg/recerrors"
)

// Example demonstrates basic error creation.
func Example() {
	err := recerrors.New(recerrors.ErrorTypeConfig, "unsupported destination format").
		WithDetail("path", "out.doc").
		WithDetail("format", "doc")

	fmt.Println(err.Error())

	// Output:
	// config: unsupported destination format
}

// ExampleWrap shows how a lock error keeps the original cause reachable.
func ExampleWrap() {
	err := recerrors.Wrap(os.ErrPermission, recerrors.ErrorTypeLock, "destination is held by another process").
		WithDetail("path", "report.xlsx")

	fmt.Println(recerrors.IsType(err, recerrors.ErrorTypeLock))
	fmt.Println(errors.Is(err, os.ErrPermission))

	// Output:
	// true
	// true
}

// ExampleIsRetryable shows which categories the flush loop retries.
func ExampleIsRetryable() {
	lockErr := recerrors.New(recerrors.ErrorTypeLock, "database is locked")
	widthErr := recerrors.New(recerrors.ErrorTypeSchemaWidth, "row has 3 values, table has 2 columns")

	fmt.Println(recerrors.IsRetryable(lockErr))
	fmt.Println(recerrors.IsRetryable(widthErr))

	// Output:
	// true
	// false
}

// ExampleIsType demonstrates that IsType looks through wrapped structured errors.
func ExampleIsType() {
	inner := recerrors.New(recerrors.ErrorTypeSchemaWidth, "too many values")
	outer := recerrors.Wrap(inner, recerrors.ErrorTypeData, "flush aborted")

	fmt.Println(recerrors.IsType(outer, recerrors.ErrorTypeData))
	fmt.Println(recerrors.IsType(outer, recerrors.ErrorTypeSchemaWidth))
	fmt.Println(recerrors.IsType(outer, recerrors.ErrorTypeLock))
	fmt.Println(recerrors.TypeOf(outer))

	// Output:
	// true
	// true
	// false
	// data
}
