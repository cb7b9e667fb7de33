package logic

// Filters maps topic filters to an access level (0 none, 1 read, 2 write,
// 3 read and write).
type Filters map[string]int

// PluginState is one row of the plugin_states table.
type PluginState struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}
