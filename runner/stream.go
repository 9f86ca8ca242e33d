package runner

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"

	"tangled.sh/tangled.sh/scanline/runner/models"
)

const keepaliveInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams every status event as JSON: first the backlog after the
// "cursor" query parameter, then live events as they are recorded.
func (r *Runner) Events(w http.ResponseWriter, req *http.Request) {
	l := r.l.With("handler", "Events")
	l.Info("received new connection")

	var cursor int64
	if c := req.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	ch := r.n.Subscribe()
	defer r.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	// complete backfill first before going to live data
	l.Debug("going through backfill", "cursor", cursor)
	if err := r.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		// wait for new data or timeout
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			// we have been notified of new data
			l.Debug("going through live data", "cursor", cursor)
			if err := r.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepaliveInterval):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (r *Runner) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		events, err := r.db.GetEvents(*cursor)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Id
		}
	}
}

// Logs tails the JSON log lines of a pipeline. The stream ends with a
// normal close once the pipeline has finished and its log is drained.
func (r *Runner) Logs(w http.ResponseWriter, req *http.Request) {
	l := r.l.With("handler", "Logs")

	p, ok := r.pipelineParam(w, req)
	if !ok {
		return
	}
	wid := p.WorkflowId()
	l = l.With("workflow", wid)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := r.n.Subscribe()
	defer r.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	finished := p.Status.IsFinish()
	t, err := tail.TailFile(models.LogFilePath(r.cfg.Pipelines.LogDir, wid), tail.Config{
		Follow:    !finished,
		ReOpen:    !finished,
		MustExist: finished,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "err", err)
		closeWith(conn, websocket.CloseInternalServerErr, "no logs for pipeline")
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	stopping := false
	stopIfFinished := func() {
		if stopping {
			return
		}
		ev, err := r.db.GetStatus(wid)
		if err != nil || ev == nil || !ev.Status.IsFinish() {
			return
		}
		// drain what is left, then Lines is closed
		stopping = true
		go t.StopAtEOF()
	}
	if !finished {
		// the pipeline may have finished before we subscribed
		stopIfFinished()
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return

		case line, ok := <-t.Lines:
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "pipeline finished")
				return
			}
			if line.Err != nil {
				l.Error("failed to read log", "err", line.Err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Error("failed to write log line", "err", err)
				return
			}

		case <-ch:
			stopIfFinished()

		case <-time.After(keepaliveInterval):
			stopIfFinished()
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second),
	)
}
