package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

// stdioRequest is one line of the stdio protocol.
type stdioRequest struct {
	ID        string         `json:"id,omitempty"`
	ClientID  string         `json:"client_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ServeStdio runs the JSON-lines loop: one request object per input line,
// one response object per output line. Returns when the input closes or ctx
// is cancelled. Malformed lines get an error envelope instead of killing
// the loop.
func (d *Dispatcher) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := enc.Encode(map[string]any{"success": false, "error": map[string]any{
				"kind":    "business_logic",
				"message": "request line is not valid JSON",
			}}); werr != nil {
				return werr
			}
			continue
		}

		resp := d.Call(ctx, req.ClientID, req.Tool, req.Arguments)
		if req.ID != "" {
			resp["id"] = req.ID
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
