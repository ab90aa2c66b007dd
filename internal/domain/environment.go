package domain

import (
	"fmt"
	"time"
)

// Environment modes supported by the farm.
const (
	ModeWorkspace = "workspace"
	ModeGit       = "git"
	ModeSSH       = "ssh"
	ModeTerminal  = "terminal"
)

// Display status labels visible to dashboard clients.
const (
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusExited     = "exited"
)

// Creator types recorded on environment provenance.
const (
	CreatorUser = "user"
	CreatorAI   = "ai"
)

// Environment is the durable registry record for one development
// environment backed by exactly one container.
type Environment struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ContainerID string    `json:"container_id"`
	Mode        string    `json:"mode"`
	Port        int       `json:"port"`
	Project     string    `json:"project"`
	Created     time.Time `json:"created"`
	LastStarted time.Time `json:"last_started,omitempty"`

	// ssh mode only
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHUser     string `json:"ssh_user,omitempty"`
	SSHPath     string `json:"ssh_path,omitempty"`
	SSHPassword string `json:"ssh_password,omitempty"`

	// git mode only
	GitURL string `json:"git_url,omitempty"`

	// provenance: parent links are lookup-only weak references, never
	// ownership; deleting a parent does not cascade to children.
	ParentEnvID    string   `json:"parent_env_id,omitempty"`
	Children       []string `json:"children"`
	CreatorType    string   `json:"creator_type,omitempty"`
	CreatorName    string   `json:"creator_name,omitempty"`
	CreatorEnvID   string   `json:"creator_env_id,omitempty"`
	CreationSource string   `json:"creation_source,omitempty"`
}

// DeviceAuthState holds a pending device-code challenge observed inside an
// environment's container. It is transient and reconstructible from the
// container, never persisted.
type DeviceAuthState struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// ContainerStats is a point-in-time resource usage sample for a running
// container.
type ContainerStats struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	MemoryMB      float64 `json:"memory_mb"`
}

// EnvironmentSummary is the read projection of a registry record combined
// with live container state.
type EnvironmentSummary struct {
	Environment
	Status         string           `json:"status"`
	Ready          bool             `json:"ready"`
	URL            string           `json:"url"`
	DesktopCommand string           `json:"desktop_command,omitempty"`
	WorkspacePath  string           `json:"workspace_path"`
	RequiresAuth   bool             `json:"requires_auth"`
	DeviceAuth     *DeviceAuthState `json:"device_auth,omitempty"`
	Stats          *ContainerStats  `json:"stats,omitempty"`
}

// HasChild reports whether the environment already links the given child id.
func (e *Environment) HasChild(id string) bool {
	for _, child := range e.Children {
		if child == id {
			return true
		}
	}
	return false
}

// ContainerName returns the host-side container name for an environment id.
func ContainerName(id string) string {
	return "devfarm-" + id
}

// DesktopCommand builds the vscode-remote URI a desktop editor uses to
// attach to the environment's container.
func DesktopCommand(e *Environment) string {
	return fmt.Sprintf("vscode://vscode-remote/attached-container+%x%s",
		ContainerName(e.ID), WorkspacePath(e.Mode))
}

// WorkspacePath returns the in-guest folder a client should open for the
// given mode.
func WorkspacePath(mode string) string {
	switch mode {
	case ModeGit:
		return "/repo"
	case ModeSSH:
		return "/remote"
	default:
		return "/workspace"
	}
}
