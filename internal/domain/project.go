package domain

import "time"

// Project describes a deployable unit served at its generated subdomain.
type Project struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id,omitempty"`
	Name           string            `json:"name"`
	RepoURL        string            `json:"repo_url"`
	Subdomain      string            `json:"subdomain"`
	RootDir        string            `json:"root_dir,omitempty"`
	InstallCommand string            `json:"install_command,omitempty"`
	BuildCommand   string            `json:"build_command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
