// Command wlanpi-getjwt is the loopback-only bootstrap client (spec.md
// §7): it reads the shared secret wlanpi-core provisioned on disk, signs
// a POST /auth/token request for the given device id, and prints the
// issued token. It is the only client that authenticates with nothing
// but filesystem ACLs on the secret file.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	defaultPort   = 31415
	authPath      = "/auth/token"
	defaultSecret = "/opt/wlanpi-core/.secrets/shared_secret.bin"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wlanpi-getjwt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.Int("port", defaultPort, "API port")
	secretPath := fs.String("secret", defaultSecret, "path to the shared secret file")
	noColor := fs.Bool("no-color", false, "disable colorized output")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [flags] <device_id>\n", fs.Name())
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	color.NoColor = *noColor || !isTerminal(stdout)

	token, err := getToken(deviceID, *port, *secretPath)
	if err != nil {
		fmt.Fprintln(stderr, color.RedString("error: %v", err))
		return 1
	}

	pretty, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, color.RedString("error: %v", err))
		return 1
	}
	fmt.Fprintln(stdout, colorizeJSON(string(pretty)))
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// getToken validates that something is listening on port and that the
// secret file is readable, then signs and sends the bootstrap request.
func getToken(deviceID string, port int, secretPath string) (map[string]any, error) {
	addr := fmt.Sprintf("localhost:%d", port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("nothing appears to be running on port %d: %w", port, err)
	}
	conn.Close()

	secret, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("reading secret at %s: %w", secretPath, err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", secretPath)
	}

	body, err := json.Marshal(map[string]string{"device_id": deviceID})
	if err != nil {
		return nil, err
	}

	signature := sign(secret, authPath, string(body))

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s%s", addr, authPath), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-Signature", signature)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

// sign builds the same four-line canonical string the server's auth gate
// verifies (method, path, query string, body; query is always empty for
// this bootstrap request) and signs it with HMAC-SHA256.
func sign(secret []byte, path, body string) string {
	canonical := strings.Join([]string{"POST", path, "", body}, "\n")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func colorizeJSON(s string) string {
	if color.NoColor {
		return s
	}
	key := color.New(color.FgBlue)
	str := color.New(color.FgGreen)
	lit := color.New(color.FgYellow)

	var out strings.Builder
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		out.WriteString(colorizeLine(line, key, str, lit))
		if i < len(lines)-1 {
			out.WriteByte('\n')
		}
	}
	return out.String()
}

// colorizeLine applies per-token color to a single formatted JSON line,
// mirroring the original CLI's regex-based colorizer closely enough for
// terminal output without pulling in a JSON-aware formatter.
func colorizeLine(line string, key, str, lit *color.Color) string {
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]

	colon := strings.Index(trimmed, ":")
	if colon == -1 || !strings.HasPrefix(trimmed, `"`) {
		return indent + colorizeValue(trimmed, str, lit)
	}

	keyPart := trimmed[:colon+1]
	valuePart := strings.TrimSpace(trimmed[colon+1:])
	return indent + key.Sprint(keyPart) + " " + colorizeValue(valuePart, str, lit)
}

func colorizeValue(v string, str, lit *color.Color) string {
	trailing := ""
	core := v
	if strings.HasSuffix(core, ",") {
		trailing = ","
		core = strings.TrimSuffix(core, ",")
	}
	switch {
	case strings.HasPrefix(core, `"`) && strings.HasSuffix(core, `"`):
		return str.Sprint(core) + trailing
	case core == "true" || core == "false" || core == "null":
		return lit.Sprint(core) + trailing
	case core == "{" || core == "}" || core == "[" || core == "]" || core == "":
		return v
	default:
		return lit.Sprint(core) + trailing
	}
}
