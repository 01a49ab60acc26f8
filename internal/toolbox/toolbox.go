// Package toolbox is a small MCP server with utilities a language model
// cannot compute on its own: randomness, hashing, ids and the current date.
package toolbox

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MEKXH/mcpstation/internal/version"
)

// ServerName is the implementation name announced during initialization.
const ServerName = "Swiss-Army-Knife"

const (
	maxPasswordLength     = 64
	defaultPasswordLength = 16
	maxUUIDs              = 10
	passwordAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordSymbols       = "!@#$%^&*()_+-="
	algorithmsURI         = "toolbox://algorithms"
	credentialsPrompt     = `Please generate a set of test credentials for a new user.
1. Create a secure 16-char password.
2. Generate a UUID for their User ID.
3. Calculate the SHA256 hash of the password (for DB storage simulation).`
)

var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Toolbox implements the demo tools.
type Toolbox struct {
	now     func() time.Time
	random  io.Reader
	newUUID func() string
}

// New returns a toolbox backed by the system clock and crypto/rand.
func New() *Toolbox {
	return &Toolbox{
		now:     time.Now,
		random:  rand.Reader,
		newUUID: func() string { return uuid.NewString() },
	}
}

type PasswordInput struct {
	Length         int   `json:"length,omitempty" jsonschema:"number of characters, at most 64 (default 16)"`
	IncludeSymbols *bool `json:"include_symbols,omitempty" jsonschema:"include punctuation symbols (default true)"`
}

type HashInput struct {
	Text      string `json:"text" jsonschema:"text to hash"`
	Algorithm string `json:"algorithm,omitempty" jsonschema:"one of md5, sha1, sha256, sha512 (default sha256)"`
}

type UUIDInput struct {
	Count int `json:"count,omitempty" jsonschema:"how many UUIDs to generate, at most 10 (default 1)"`
}

type DateInput struct {
	DaysOffset int    `json:"days_offset" jsonschema:"days to add to today, negative for the past"`
	Format     string `json:"format,omitempty" jsonschema:"strftime layout for the target date (default %Y-%m-%d)"`
}

// GeneratePassword returns a cryptographically random password.
func (t *Toolbox) GeneratePassword(in PasswordInput) (string, error) {
	length := in.Length
	if length <= 0 {
		length = defaultPasswordLength
	}
	if length > maxPasswordLength {
		return "Error: Length too long.", nil
	}
	alphabet := passwordAlphabet
	if in.IncludeSymbols == nil || *in.IncludeSymbols {
		alphabet += passwordSymbols
	}

	limit := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(t.random, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return fmt.Sprintf("🔑 **Generated Password:** `%s`", buf), nil
}

// CalculateHash hashes text with one of the supported algorithms.
func (t *Toolbox) CalculateHash(in HashInput) string {
	algorithm := in.Algorithm
	if strings.TrimSpace(algorithm) == "" {
		algorithm = "sha256"
	}
	newHash, ok := hashers[strings.ToLower(algorithm)]
	if !ok {
		return fmt.Sprintf("Error: Algorithm '%s' not supported.", algorithm)
	}
	h := newHash()
	h.Write([]byte(in.Text))
	return fmt.Sprintf("🧮 **%s Hash:**\n`%s`", strings.ToUpper(algorithm), hex.EncodeToString(h.Sum(nil)))
}

// GenerateUUIDs returns up to ten version 4 UUIDs.
func (t *Toolbox) GenerateUUIDs(in UUIDInput) string {
	count := in.Count
	if count <= 0 {
		count = 1
	}
	count = min(count, maxUUIDs)

	lines := make([]string, 0, count)
	for range count {
		lines = append(lines, fmt.Sprintf("- `%s`", t.newUUID()))
	}
	return "🆔 **UUIDs:**\n" + strings.Join(lines, "\n")
}

// CalculateDate reports the date days_offset days from now.
func (t *Toolbox) CalculateDate(in DateInput) string {
	format := in.Format
	if format == "" {
		format = "%Y-%m-%d"
	}
	now := t.now()
	target := now.AddDate(0, 0, in.DaysOffset)

	return fmt.Sprintf(`📅 **Date Calculation:**
- **Current Time:** %s
- **Target Date (%d days):** %s
- **Day of Week:** %s
`, now.Format("2006-01-02 15:04:05"), in.DaysOffset, strftime(target, format), target.Weekday())
}

// NewServer builds the MCP server exposing the toolbox.
func NewServer(t *Toolbox) *sdk.Server {
	if t == nil {
		t = New()
	}
	server := sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: version.Version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        "generate_secure_password",
		Description: "Generates a cryptographically secure random password. LLMs cannot generate true random numbers; this tool can.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, in PasswordInput) (*sdk.CallToolResult, any, error) {
		text, err := t.GeneratePassword(in)
		if err != nil {
			return nil, nil, err
		}
		return textResult(text), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "calculate_hash",
		Description: "Calculates the hash of a string. Supported algorithms: md5, sha1, sha256, sha512. Use this to verify data integrity or generate IDs.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, in HashInput) (*sdk.CallToolResult, any, error) {
		return textResult(t.CalculateHash(in)), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "generate_uuid",
		Description: "Generates random UUIDs (version 4). Useful for developers needing unique database keys.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, in UUIDInput) (*sdk.CallToolResult, any, error) {
		return textResult(t.GenerateUUIDs(in)), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "date_calculation",
		Description: "Calculates exactly what date it will be in X days. Also returns the current exact server time.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, in DateInput) (*sdk.CallToolResult, any, error) {
		return textResult(t.CalculateDate(in)), nil, nil
	})

	server.AddPrompt(&sdk.Prompt{
		Name:        "generate_credentials",
		Description: "Template to create a set of dummy credentials for testing.",
	}, func(ctx context.Context, req *sdk.GetPromptRequest) (*sdk.GetPromptResult, error) {
		return &sdk.GetPromptResult{
			Description: "Template to create a set of dummy credentials for testing.",
			Messages: []*sdk.PromptMessage{
				{Role: "user", Content: &sdk.TextContent{Text: credentialsPrompt}},
			},
		}, nil
	})

	server.AddResource(&sdk.Resource{
		URI:         algorithmsURI,
		Name:        "algorithms",
		MIMEType:    "text/plain",
		Description: "Hash algorithms and password alphabets the toolbox supports.",
	}, func(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
		return &sdk.ReadResourceResult{
			Contents: []*sdk.ResourceContents{
				{URI: algorithmsURI, MIMEType: "text/plain", Text: algorithmsText()},
			},
		}, nil
	})

	return server
}

func algorithmsText() string {
	return fmt.Sprintf("hash: md5, sha1, sha256, sha512\npassword letters+digits: %s\npassword symbols: %s\nmax password length: %d\nmax uuids per call: %d",
		passwordAlphabet, passwordSymbols, maxPasswordLength, maxUUIDs)
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

// ServeStdio runs the toolbox over stdin/stdout until ctx ends or the client disconnects.
func ServeStdio(ctx context.Context, t *Toolbox) error {
	return NewServer(t).Run(ctx, &sdk.StdioTransport{})
}

// HTTPHandler serves the toolbox over streamable HTTP.
func HTTPHandler(t *Toolbox) http.Handler {
	server := NewServer(t)
	return sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return server }, nil)
}
