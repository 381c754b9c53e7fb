// Command wt is the end-user CLI: it dials a wireterm-server's client
// listener, starts a pipe task against a target terminal/server, and
// streams the flow-controlled output back to stdout. It also consults the
// local command-suggestion history cache built up by prior runs.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/wireterm/internal/config"
	"github.com/ehrlich-b/wireterm/internal/protocol"
	"github.com/ehrlich-b/wireterm/internal/store"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// kindPipe mirrors internal/task.KindPipe: run a command against a
// term/server target, streaming its output back.
const kindPipe uint32 = 0

func main() {
	root := &cobra.Command{
		Use:   "wt",
		Short: "wireterm client",
	}
	root.AddCommand(runCmd(), suggestCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var addr, targetFlag string

	cmd := &cobra.Command{
		Use:   "run [command...]",
		Short: "Run a command against a target terminal and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetID, err := wire.Parse(targetFlag)
			if err != nil {
				return fmt.Errorf("parse --target: %w", err)
			}
			line := strings.Join(args, " ")
			code, err := execPipe(addr, targetID, line)
			recordHistory(line)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7701", "client-listen address of the target host")
	cmd.Flags().StringVar(&targetFlag, "target", "", "target terminal id (wire.ID format)")
	cmd.MarkFlagRequired("target")
	return cmd
}

func suggestCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "suggest [prefix]",
		Short: "Suggest previously run commands matching a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cwd, _ := os.Getwd()
			host, _ := os.Hostname()
			user := os.Getenv("USER")
			cmds, err := st.Suggest(prefix, strPtr(user), strPtr(host), strPtr(cwd), limit)
			if err != nil {
				return err
			}
			width := terminalWidth()
			for _, c := range cmds {
				printSuggestion(c.Score, c.Normalized, width)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max suggestions to show")
	return cmd
}

func recordHistory(line string) {
	st, err := openStore()
	if err != nil {
		return
	}
	defer st.Close()

	cwd, _ := os.Getwd()
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	normalized := strings.Join(strings.Fields(line), " ")
	acronym := acronymOf(normalized)
	_ = st.RecordCommand(normalized, acronym, time.Now(), strPtr(user), strPtr(host), strPtr(cwd))
}

func acronymOf(s string) string {
	var b strings.Builder
	for _, f := range strings.Fields(s) {
		b.WriteByte(f[0])
	}
	return b.String()
}

// terminalWidth returns stdout's column count, or 0 if it isn't a terminal
// (suggestion lines are then left unclipped, e.g. when piped to a file).
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func printSuggestion(score float64, normalized string, width int) {
	line := fmt.Sprintf("%-6.1f %s", score, normalized)
	if width > 0 && len(line) > width {
		line = line[:width]
	}
	fmt.Println(line)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func openStore() (*store.Store, error) {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(userDir, 0755); err != nil {
		return nil, err
	}
	return store.Open(userDir + "/wireterm.db")
}

// wtClient drives one short-lived task-streaming connection: it implements
// protocol.Callbacks to receive TASK_OUTPUT/TASK_QUESTION frames and
// acknowledges received bytes so the server's window-based pacing can
// advance, mirroring spec.md §4.11's ack protocol from the client side.
type wtClient struct {
	machine  *protocol.Machine
	taskID   wire.ID
	clientID wire.ID
	received uint64
	done     chan int
	failed   bool
}

func execPipe(addr string, targetID wire.ID, command string) (int, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return 1, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	wc := &wtClient{
		taskID:   wire.Generate(),
		clientID: wire.Generate(),
		done:     make(chan int, 1),
	}
	wc.machine = protocol.New(wc, conn, nil)

	startFrame := wire.NewMarshaler(wire.CmdStartTask).
		PutID(wc.taskID).PutID(targetID).PutU32(kindPipe).PutBytes([]byte(command)).Bytes()
	if err := wc.machine.Send(startFrame); err != nil {
		return 1, fmt.Errorf("send start task: %w", err)
	}
	if err := wc.machine.Flush(nil); err != nil {
		return 1, fmt.Errorf("flush: %w", err)
	}

	go func() {
		for wc.machine.ReadFrom(conn) {
		}
		select {
		case wc.done <- 1:
		default:
		}
	}()

	select {
	case code := <-wc.done:
		return code, nil
	case <-time.After(5 * time.Minute):
		return 1, fmt.Errorf("timed out waiting for task completion")
	}
}

// OnFrame implements protocol.Callbacks.
func (wc *wtClient) OnFrame(cmd uint32, body []byte) bool {
	switch cmd {
	case wire.CmdTaskOutput:
		wc.handleOutput(body)
	case wire.CmdTaskQuestion:
		wc.handleQuestion(body)
	case wire.CmdTaskPause, wire.CmdTaskResume:
		// No local buffering to throttle; the server paces emission itself.
	}
	return true
}

// OnEOF implements protocol.Callbacks.
func (wc *wtClient) OnEOF(err error) {
	select {
	case wc.done <- 1:
	default:
	}
}

func (wc *wtClient) handleOutput(body []byte) {
	u := wire.NewUnmarshaler(body)
	if _, err := u.ID(); err != nil {
		return
	}
	if _, err := u.ID(); err != nil {
		return
	}
	status, err := u.U32()
	if err != nil {
		return
	}
	switch taskStatus(status) {
	case taskStatusStarting:
		// Nothing to do: the task announced itself as running.
	case taskStatusRunning:
		payload := u.TrailingBytes()
		if len(payload) == 0 {
			// An empty payload under Running is the task's EOF signal.
			select {
			case wc.done <- 0:
			default:
			}
			return
		}
		os.Stdout.Write(payload)
		wc.received += uint64(len(payload))
		ack := wire.NewMarshaler(wire.CmdTaskAnswer).
			PutID(wc.taskID).PutU32(uint32(taskStatusAcking)).PutU64(wc.received).Bytes()
		_ = wc.machine.Send(ack)
		_ = wc.machine.Flush(nil)
	case taskStatusError:
		code, _ := u.U32()
		msg, _ := u.CString()
		fmt.Fprintf(os.Stderr, "task failed (code %d): %s\n", code, msg)
		wc.failed = true
		select {
		case wc.done <- 1:
		default:
		}
	}
}

func (wc *wtClient) handleQuestion(body []byte) {
	u := wire.NewUnmarshaler(body)
	if _, err := u.ID(); err != nil {
		return
	}
	if _, err := u.ID(); err != nil {
		return
	}
	code, err := u.U32()
	if err != nil {
		return
	}
	prompt, _ := u.CString()
	fmt.Fprintf(os.Stderr, "%s\n", prompt)
	answer := wire.NewMarshaler(wire.CmdTaskAnswer).PutID(wc.taskID).PutU32(code).PutCString("").Bytes()
	_ = wc.machine.Send(answer)
	_ = wc.machine.Flush(nil)
}

// taskStatus mirrors internal/task.Status without importing the task
// package (which would pull in the listener/rate-limiter dependency chain
// a thin CLI client has no use for); the two enums are kept in lockstep by
// spec.md §6's fixed status-code space.
type taskStatus uint32

const (
	taskStatusStarting taskStatus = iota
	taskStatusRunning
	taskStatusAcking
	taskStatusFinished
	taskStatusError
)
