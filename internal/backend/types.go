package backend

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response represents a response from the backend.
type Response struct {
	Content string
	Raw     string // Unparsed stdout
}

// Config defines the configuration for a backend.
type Config struct {
	Type    string // "command"
	Command string
	Args    []string // "{{prompt}}" is replaced by the message; otherwise the message is appended
	WorkDir string
}
