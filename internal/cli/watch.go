package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/controller"
	"github.com/stark-sentinel/tui/internal/reconcile"
	"github.com/stark-sentinel/tui/internal/views/sensors"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		limit  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream reconciled sensor updates and alerts to stdout",
		Long: "Resume the stored session and print every reading and alert as it is reconciled, " +
			"plus live channel transitions. Stops on interrupt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if limit > 0 {
				var cancelLimit context.CancelFunc
				ctx, cancelLimit = context.WithTimeout(ctx, limit)
				defer cancelLimit()
			}

			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			p := &printer{w: cmd.OutOrStdout(), json: asJSON}
			if s, ok := rt.store.Get(ctx); ok {
				p.showAlerts = rt.resolver.Resolve(string(s.Role)).CanViewAlerts
			}
			rec := reconcile.New(opts.cfg.Alerts.Capacity, rt.logger)
			p.rec = rec
			defer rec.Subscribe(p.change)()

			ctrl := rt.controller(rec)
			views, unsub := ctrl.Subscribe()
			defer unsub()

			stop, err := restore(ctx, ctrl)
			defer stop()
			if err != nil {
				return err
			}

			last := conn.State(-1)
			for {
				select {
				case v := <-views:
					if v.Phase == controller.LoggedIn && v.Conn != last {
						p.conn(v)
						last = v.Conn
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per line")
	cmd.Flags().DurationVar(&limit, "for", 0, "Stop after this long (0 = until interrupted)")
	return cmd
}

// printer writes reconciler changes. Changes arrive on the controller's
// loop goroutine and transitions on the command's, so writes are locked.
type printer struct {
	w    io.Writer
	json bool
	rec  *reconcile.Reconciler

	showAlerts bool

	mu sync.Mutex
}

type watchLine struct {
	Kind    string          `json:"kind"`
	Sensor  string          `json:"sensor,omitempty"`
	Status  string          `json:"status,omitempty"`
	Title   string          `json:"title,omitempty"`
	Message string          `json:"message,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	State   string          `json:"state,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Count   int             `json:"count,omitempty"`
	Time    *time.Time      `json:"ts,omitempty"`
}

func (p *printer) conn(v controller.View) {
	line := watchLine{Kind: "conn", State: v.Conn.String(), Attempt: v.Attempt}
	text := "conn " + v.Conn.String()
	if v.Conn == conn.Reconnecting {
		text += fmt.Sprintf(" in %s (attempt %d)", v.RetryIn, v.Attempt)
	}
	p.emit(line, text)
}

func (p *printer) change(c reconcile.Change) {
	switch c.Kind {
	case reconcile.ChangeSeed:
		n := len(p.rec.Sensors())
		p.emit(watchLine{Kind: "seed", Count: n}, fmt.Sprintf("snapshot %d sensors", n))
	case reconcile.ChangeReset:
		p.emit(watchLine{Kind: "reset"}, "reset")
	case reconcile.ChangeEvent:
		if r := c.Result.Sensor; r != nil {
			p.emit(sensorLine(*r), fmt.Sprintf("sensor %s %s %s", r.SensorID, r.Status, sensors.FormatValue(r.Value)))
		}
		if a := c.Result.Alert; a != nil {
			if p.showAlerts {
				ts := a.Timestamp
				p.emit(watchLine{Kind: "alert", Sensor: a.SensorID, Status: string(a.Status), Title: a.Title, Message: a.Message, Time: &ts},
					fmt.Sprintf("ALERT %s %s [%s] %s", a.Status, a.Title, a.SensorID, a.Message))
			}
		}
	}
}

func sensorLine(r client.SensorReading) watchLine {
	ts := r.Timestamp
	return watchLine{Kind: "sensor", Sensor: r.SensorID, Status: string(r.Status), Message: r.Message, Value: r.Value, Time: &ts}
}

func (p *printer) emit(line watchLine, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		data, err := json.Marshal(line)
		if err != nil {
			return
		}
		p.w.Write(append(data, '\n'))
		return
	}
	fmt.Fprintln(p.w, text)
}
