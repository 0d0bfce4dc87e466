package domain

import "time"

// Deployment statuses.
const (
	StatusPending    = "pending"
	StatusBuilding   = "building"
	StatusDeploying  = "deploying"
	StatusActive     = "active"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusStopped    = "stopped"
)

// Well-known build metadata keys.
const (
	MetaURL           = "url"
	MetaContainerID   = "container_id"
	MetaImageID       = "image_id"
	MetaHostPort      = "host_port"
	MetaContainerPort = "container_port"
	MetaStrategy      = "strategy"
	MetaAutoFixed     = "auto_fixed"
)

// Deployment captures one versioned build-and-run attempt for a project.
type Deployment struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	Subdomain     string         `json:"subdomain"`
	Version       int            `json:"version"`
	Status        string         `json:"status"`
	URL           string         `json:"url,omitempty"`
	ContainerID   string         `json:"containerId,omitempty"`
	ImageID       string         `json:"imageId,omitempty"`
	BuildLogs     string         `json:"buildLogs,omitempty"`
	BuildMetadata map[string]any `json:"buildMetadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// DeploymentStatusUpdate captures a status transition for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Logs         string
	Metadata     map[string]any
}

// IsValidStatus reports whether status is a known deployment status.
func IsValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusBuilding, StatusDeploying, StatusActive, StatusFailed, StatusRolledBack, StatusStopped:
		return true
	}
	return false
}

// Apply folds an update into the deployment. Metadata is merged key by key,
// logs are overwritten only when supplied, and the URL is recorded when the
// deployment becomes active.
func (d *Deployment) Apply(update DeploymentStatusUpdate, now time.Time) {
	d.Status = update.Status
	if update.Logs != "" {
		d.BuildLogs = update.Logs
	}
	if len(update.Metadata) > 0 {
		if d.BuildMetadata == nil {
			d.BuildMetadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			d.BuildMetadata[k] = v
		}
		if id, ok := update.Metadata[MetaContainerID].(string); ok {
			d.ContainerID = id
		}
		if id, ok := update.Metadata[MetaImageID].(string); ok && id != "" {
			d.ImageID = id
		}
	}
	if update.Status == StatusActive {
		if url, ok := update.Metadata[MetaURL].(string); ok && url != "" {
			d.URL = url
		}
	}
	d.UpdatedAt = now
}

// Clone returns a deep copy so callers never share metadata maps.
func (d Deployment) Clone() Deployment {
	if d.BuildMetadata != nil {
		meta := make(map[string]any, len(d.BuildMetadata))
		for k, v := range d.BuildMetadata {
			meta[k] = v
		}
		d.BuildMetadata = meta
	}
	return d
}

// MetaInt reads an integer metadata value regardless of its decoded numeric type.
func (d Deployment) MetaInt(key string) int {
	switch v := d.BuildMetadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
