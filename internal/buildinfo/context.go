// Package buildinfo carries build-time metadata separate from user configuration
package buildinfo

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata that was not injected at build time
const UnknownValue = "unknown"

// Context contains build-time metadata that is not user-configurable.
// Version and BuildDate are injected with -ldflags at build time.
type Context struct {
	Version   string
	BuildDate string
	// InstanceID identifies this process in logs and error reports
	InstanceID string
}

// NewContext creates a build context with a fresh instance id
func NewContext(version, buildDate string) *Context {
	return &Context{
		Version:    version,
		BuildDate:  buildDate,
		InstanceID: uuid.NewString(),
	}
}

// GetVersion returns the version, or UnknownValue
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date, or UnknownValue
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetInstanceID returns the process instance id, or UnknownValue
func (c *Context) GetInstanceID() string {
	if c == nil || c.InstanceID == "" {
		return UnknownValue
	}
	return c.InstanceID
}

// String formats the version line printed by the version command
func (c *Context) String() string {
	return fmt.Sprintf("statesync %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
