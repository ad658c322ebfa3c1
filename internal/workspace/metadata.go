package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MetadataFile is the name of the metadata document in the project root.
// It is kept out of version control and regenerated from the registry.
const MetadataFile = ".workspace-metadata.json"

// ServerConfig describes how to run the workspace's development server.
type ServerConfig struct {
	Type        string `json:"type"`
	DefaultPort int    `json:"defaultPort"`
	DevCommand  string `json:"devCommand"`
}

// Metadata is the in-container record of how to run a workspace.
type Metadata struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Template     string       `json:"template"`
	ServerConfig ServerConfig `json:"serverConfig"`
	GithubRepo   string       `json:"githubRepo,omitempty"`
}

// Marshal encodes the metadata the way it is stored in the container.
func (m *Metadata) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseMetadata decodes and validates a metadata document.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", MetadataFile, err)
	}
	if m.ID == "" {
		return nil, errors.New("parsing " + MetadataFile + ": missing id")
	}
	if m.ServerConfig.DefaultPort < 0 || m.ServerConfig.DefaultPort > 65535 {
		return nil, fmt.Errorf("parsing %s: invalid default port %d", MetadataFile, m.ServerConfig.DefaultPort)
	}
	return &m, nil
}
