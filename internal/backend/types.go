package backend

// Config describes one inference backend the Resource Monitor probes and
// the agent runners dispatch against: the remote paid LLM API, a local
// LLM host, or a local image-generation host.
type Config struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Kind        string `yaml:"kind" json:"kind"`               // "remote", "local_llm", "local_image"
	CheckMode   string `yaml:"check_mode" json:"check_mode"`   // "api_key_only", "http", "tcp"
	APIKeyEnv   string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	HealthURL   string `yaml:"health_url,omitempty" json:"health_url,omitempty"`
	TCPAddr     string `yaml:"tcp_addr,omitempty" json:"tcp_addr,omitempty"`
	BaseURL     string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	ModelsPath  string `yaml:"models_path,omitempty" json:"models_path,omitempty"`
	Tiers       []string `yaml:"tiers" json:"tiers"` // model tiers this backend can serve (e.g. "haiku", "sonnet", "opus", "ollama")
}
