//go:build test

package main

import (
	"bytes"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/gyrolink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite provides command execution helpers and plain-text output.
// All cmd/gyrolink test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	Helper  *testutils.TestHelper
	noColor bool
}

// SetupSuite disables ANSI colors so output can be compared as text
func (s *CommandTestSuite) SetupSuite() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.noColor = color.NoColor
	color.NoColor = true
}

// TearDownSuite restores the color setting
func (s *CommandTestSuite) TearDownSuite() {
	color.NoColor = s.noColor
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// AssertText compares output with a unified diff on mismatch
func (s *CommandTestSuite) AssertText(actual string, expected ...string) {
	testutils.NewTextAsserter(s.T()).AssertLines(actual, expected...)
}
