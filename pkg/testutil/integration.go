package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// IntegrationTestSuite provides base functionality for integration tests
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	tempDir   string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()

	// Create temp directory for destination files
	tempDir, err := os.MkdirTemp("", "datarecorder-test-*")
	require.NoError(s.T(), err)
	s.tempDir = tempDir

	s.T().Logf("Integration test suite started in %s", s.tempDir)
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	s.cancel()

	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}

	s.T().Logf("Integration test suite completed in %v", time.Since(s.startTime))
}

// Context returns the test context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// TempDir returns the temporary directory path
func (s *IntegrationTestSuite) TempDir() string {
	return s.tempDir
}

// Path returns name joined to a directory unique to the running test, so
// tests in one suite never share destination files.
func (s *IntegrationTestSuite) Path(name string) string {
	dir := filepath.Join(s.tempDir, filepath.Base(s.T().Name()))
	require.NoError(s.T(), os.MkdirAll(dir, 0o755))
	return filepath.Join(dir, name)
}

// CreateTempFile creates a file with content in the suite directory
func (s *IntegrationTestSuite) CreateTempFile(name string, content []byte) string {
	path := s.Path(name)
	err := os.WriteFile(path, content, 0o644)
	require.NoError(s.T(), err)
	return path
}

// ReadFile returns the content of path as a string
func (s *IntegrationTestSuite) ReadFile(path string) string {
	data, err := os.ReadFile(path)
	require.NoError(s.T(), err)
	return string(data)
}

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}
