package orchestrator

import (
	"log/slog"

	"github.com/loykin/devloop/internal/reload"
)

type taskRequest struct {
	Task string `json:"task"`
}

type fileRequest struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
}

// FileContent is the payload of receive-file.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// onMessage runs on the client's read goroutine. Tasks go through the loop;
// file access does not touch loop state and is answered directly.
func (o *Orchestrator) onMessage(c *reload.Client, m reload.Message) {
	switch m.Event {
	case reload.EventNpmRun:
		var req taskRequest
		if err := m.Decode(&req); err != nil {
			_ = c.Send(reload.EventCommandError, "npm-run: "+err.Error())
			return
		}
		o.loop.Post(func() {
			if err := o.runTask(req.Task); err != nil {
				_ = c.Send(reload.EventCommandError, err.Error())
			}
		})
	case reload.EventRequestFile:
		var req fileRequest
		if err := m.Decode(&req); err != nil {
			_ = c.Send(reload.EventCommandError, "request-file: "+err.Error())
			return
		}
		b, err := o.files.Read(req.Path)
		if err != nil {
			slog.Debug("File request failed", "client", c.ID(), "path", req.Path, "error", err)
			_ = c.Send(reload.EventCommandError, err.Error())
			return
		}
		_ = c.Send(reload.EventReceiveFile, FileContent{Path: req.Path, Content: string(b)})
	case reload.EventWriteFile:
		var req fileRequest
		if err := m.Decode(&req); err != nil {
			_ = c.Send(reload.EventCommandError, "write-file: "+err.Error())
			return
		}
		if req.Content == nil {
			_ = c.Send(reload.EventCommandError, "write-file: content is required")
			return
		}
		if err := o.files.Write(req.Path, []byte(*req.Content)); err != nil {
			slog.Debug("File write failed", "client", c.ID(), "path", req.Path, "error", err)
			_ = c.Send(reload.EventCommandError, err.Error())
			return
		}
		slog.Info("File written by client", "client", c.ID(), "path", req.Path)
	default:
		slog.Debug("Ignoring client event", "client", c.ID(), "event", m.Event)
	}
}
