package vz

// StatusDetails is the details payload of the provider status on macOS:
// boot artifact download progress while initialising, the resolved VM
// configuration once ready.
type StatusDetails struct {
	Download *DownloadProgress `json:"download,omitempty"`
	Config   *ConfigInfo       `json:"config,omitempty"`
}

// ConfigInfo reports the boot configuration project VMs are started with.
type ConfigInfo struct {
	KernelPath   string `json:"kernel_path"`
	BaseDiskPath string `json:"base_disk_path"`
	DataDir      string `json:"data_dir"`
	MemoryMB     int    `json:"memory_mb"`
	CPUCount     int    `json:"cpu_count"`
}
