package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/interaction"
	"github.com/MrWong99/duplex/internal/textchan"
	"github.com/MrWong99/duplex/internal/turn"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/memory"
)

// controller is the subset of [app.App] the console drives.
type controller interface {
	Bus() *bus.Bus
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ArmVoice(ctx context.Context) error
	MuteVoice()
	ToggleHandsFree(ctx context.Context) error
	SwitchToVoice(ctx context.Context, handsFree bool) error
	SwitchToText()
	SendText(text string) (textchan.Message, error)
}

var _ controller = (*app.App)(nil)

const consoleHelp = `commands:
  /ptt         arm the microphone (push-to-talk press)
  /release     mute the microphone (push-to-talk release)
  /handsfree   toggle continuous listening
  /voice       switch to voice mode
  /text        switch to text mode
  /connect     open a session
  /disconnect  end the session
  /quit        disconnect and exit
anything else is sent as a text message`

// console reads commands line by line and prints bus events.
type console struct {
	ctl controller

	mu  sync.Mutex
	out io.Writer
}

func newConsole(ctl controller, out io.Writer) *console {
	return &console{ctl: ctl, out: out}
}

// Run processes lines from in until /quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) {
	unsubscribe := c.ctl.Bus().SubscribeAll(func(evt bus.Event) {
		if line := formatEvent(evt); line != "" {
			c.printf("%s\n", line)
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.handle(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handle executes one input line. It reports false when the console should
// stop.
func (c *console) handle(ctx context.Context, line string) bool {
	var err error
	switch line {
	case "":
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/ptt":
		err = c.ctl.ArmVoice(ctx)
	case "/release":
		c.ctl.MuteVoice()
	case "/handsfree":
		err = c.ctl.ToggleHandsFree(ctx)
	case "/voice":
		err = c.ctl.SwitchToVoice(ctx, false)
	case "/text":
		c.ctl.SwitchToText()
	case "/connect":
		err = c.ctl.Connect(ctx)
	case "/disconnect":
		err = c.ctl.Disconnect(ctx)
	case "/quit":
		if err := c.ctl.Disconnect(ctx); err != nil {
			c.printf("[error] %v\n", err)
		}
		return false
	default:
		if strings.HasPrefix(line, "/") {
			c.printf("unknown command %q, try /help\n", line)
			return true
		}
		_, err = c.ctl.SendText(line)
	}
	if err != nil {
		c.printf("[error] %v\n", err)
	}
	return true
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// formatEvent renders the events a user cares about. Others return "".
func formatEvent(evt bus.Event) string {
	switch p := evt.Payload.(type) {
	case interaction.Changed:
		return fmt.Sprintf("[state] %s -> %s", p.From, p.To)
	case voice.Transcript:
		if p.IsFinal {
			return fmt.Sprintf("[you] %s", p.Text)
		}
		return fmt.Sprintf("[you…] %s", p.Text)
	case turn.Stopped:
		if p.Message.AccumulatedText == "" {
			return ""
		}
		return fmt.Sprintf("[assistant] %s", p.Message.AccumulatedText)
	case textchan.Failure:
		return fmt.Sprintf("[text failed] %q: %v", p.Message.Text, p.Err)
	case app.SessionInfo:
		return fmt.Sprintf("[session] connected to %s (%d turns, %d hydrated)",
			p.ConversationID, p.HistoryTurns, p.HydratedItemCount)
	case app.Disconnected:
		if p.Err != nil {
			return fmt.Sprintf("[session] lost: %v", p.Err)
		}
		return "[session] disconnected"
	case []memory.ConversationTurn:
		return fmt.Sprintf("[history] %d turns loaded", len(p))
	case error:
		return fmt.Sprintf("[%s] %v", evt.Topic, p)
	}
	return ""
}
