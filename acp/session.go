package acp

// ProtocolVersion is the ACP version negotiated in initialize.
const ProtocolVersion = 1

type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type ClientCapabilities struct {
	FS struct {
		ReadTextFile  bool `json:"readTextFile"`
		WriteTextFile bool `json:"writeTextFile"`
	} `json:"fs"`
	Terminal bool `json:"terminal"`
}

type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// MCPServer describes a tool endpoint the agent should connect to.
type MCPServer struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPServer returns an http descriptor with no headers.
func HTTPServer(name, url string) MCPServer {
	return MCPServer{Type: "http", Name: name, URL: url, Headers: []Header{}}
}

type NewSessionParams struct {
	Cwd            string      `json:"cwd"`
	MCPServers     []MCPServer `json:"mcpServers"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	SystemPrompt   string      `json:"systemPrompt,omitempty"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type PromptResult struct {
	StopReason string `json:"stopReason"`
}
