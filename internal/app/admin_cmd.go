package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nuetzliches/chanq/internal/config"
	"github.com/nuetzliches/chanq/internal/queue"
)

const adminTimeout = 30 * time.Second

type policyView struct {
	Channel           string `json:"channel"`
	MaxConcurrency    *int   `json:"max_concurrency"`
	MaxSize           *int   `json:"max_size"`
	ReleaseIntervalMs *int64 `json:"release_interval_ms"`
}

type channelView struct {
	policyView
	CurrentSize          int    `json:"current_size"`
	CurrentConcurrency   int    `json:"current_concurrency"`
	NextMessageID        *int64 `json:"next_message_id"`
	NextMessageDequeueAt *int64 `json:"next_message_dequeue_at"`
	DequeuePrevAt        int64  `json:"dequeue_prev_at"`
	DequeueNextAt        *int64 `json:"dequeue_next_at"`
}

type messageView struct {
	ID          int64  `json:"id"`
	Channel     string `json:"channel"`
	Name        string `json:"name,omitempty"`
	Content     string `json:"content"`
	State       string `json:"state,omitempty"`
	IsLocked    bool   `json:"is_locked"`
	NumAttempts int    `json:"num_attempts"`
	LeaseToken  string `json:"lease_token,omitempty"`
	DequeueAt   int64  `json:"dequeue_at"`
	UnlockAt    *int64 `json:"unlock_at,omitempty"`
	Reclaimed   bool   `json:"reclaimed,omitempty"`
}

func newPolicyView(p queue.ChannelPolicy) policyView {
	return policyView{
		Channel:           p.Channel,
		MaxConcurrency:    p.MaxConcurrency,
		MaxSize:           p.MaxSize,
		ReleaseIntervalMs: p.ReleaseIntervalMs,
	}
}

func newChannelView(st queue.ChannelState) channelView {
	return channelView{
		policyView: policyView{
			Channel:           st.Channel,
			MaxConcurrency:    st.MaxConcurrency,
			MaxSize:           st.MaxSize,
			ReleaseIntervalMs: st.ReleaseIntervalMs,
		},
		CurrentSize:          st.CurrentSize,
		CurrentConcurrency:   st.CurrentConcurrency,
		NextMessageID:        st.NextMessageID,
		NextMessageDequeueAt: st.NextMessageDequeueAt,
		DequeuePrevAt:        st.DequeuePrevAt,
		DequeueNextAt:        st.DequeueNextAt,
	}
}

func newMessageView(m queue.Message) messageView {
	return messageView{
		ID:          m.ID,
		Channel:     m.Channel,
		Name:        m.Name,
		Content:     string(m.Content),
		State:       string(m.State),
		IsLocked:    m.IsLocked,
		NumAttempts: m.NumAttempts,
		LeaseToken:  m.LeaseToken,
		DequeueAt:   m.DequeueAt,
		UnlockAt:    m.UnlockAt,
		Reclaimed:   m.Reclaimed,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withStore opens the store named by the config at path for one command.
// Channel policies in the file are not applied; that is the job of run.
func withStore(path string, stderr io.Writer, fn func(ctx context.Context, store queue.Store) int) int {
	cfg, res, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if !res.OK {
		fmt.Fprintln(stderr, formatValidationText(res))
		return 1
	}
	logger, err := newLogger("warn")
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	opened, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer func() { _ = opened.Close() }()
	return fn(ctx, opened.Store)
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, err.Error())
	return 1
}

// optionalInt registers an int flag whose absence is distinguishable from 0.
type optionalInt struct {
	v   int
	set bool
}

func (o *optionalInt) String() string {
	if o == nil || !o.set {
		return ""
	}
	return fmt.Sprint(o.v)
}

func (o *optionalInt) Set(s string) error {
	var v int
	if _, err := fmt.Sscan(strings.TrimSpace(s), &v); err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	o.v, o.set = v, true
	return nil
}

func (o *optionalInt) ptr() *int {
	if !o.set {
		return nil
	}
	v := o.v
	return &v
}

func policyCmd(args []string) int {
	return runPolicyCmd(args, os.Stdout, os.Stderr)
}

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: set | clear | list")
		return 2
	}
	fs := flag.NewFlagSet("policy "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./chanq.yaml", "path to config file")

	switch args[0] {
	case "set":
		channel := fs.String("channel", "", "channel name")
		var maxConcurrency, maxSize optionalInt
		fs.Var(&maxConcurrency, "max-concurrency", "maximum leased messages")
		fs.Var(&maxSize, "max-size", "maximum held messages")
		release := fs.Duration("release-interval", 0, "minimum spacing between dequeues (0 disables)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		policy := queue.ChannelPolicy{
			Channel:        strings.TrimSpace(*channel),
			MaxConcurrency: maxConcurrency.ptr(),
			MaxSize:        maxSize.ptr(),
		}
		if *release > 0 {
			ms := release.Milliseconds()
			policy.ReleaseIntervalMs = &ms
		}
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			if err := store.SetPolicy(ctx, policy); err != nil {
				return fail(stderr, err)
			}
			_ = writeJSON(stdout, newPolicyView(policy))
			return 0
		})
	case "clear":
		channel := fs.String("channel", "", "channel name")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			if err := store.ClearPolicy(ctx, strings.TrimSpace(*channel)); err != nil {
				return fail(stderr, err)
			}
			_ = writeJSON(stdout, map[string]string{"channel": strings.TrimSpace(*channel), "status": "cleared"})
			return 0
		})
	case "list":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			policies, err := store.ListPolicies(ctx)
			if err != nil {
				return fail(stderr, err)
			}
			out := make([]policyView, 0, len(policies))
			for _, p := range policies {
				out = append(out, newPolicyView(p))
			}
			_ = writeJSON(stdout, out)
			return 0
		})
	default:
		fmt.Fprintf(stderr, "unknown policy subcommand: %s\n", args[0])
		return 2
	}
}

func channelsCmd(args []string) int {
	return runChannelsCmd(args, os.Stdout, os.Stderr)
}

func runChannelsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("channels", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./chanq.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
		states, err := store.ListChannels(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		out := make([]channelView, 0, len(states))
		for _, st := range states {
			out = append(out, newChannelView(st))
		}
		_ = writeJSON(stdout, out)
		return 0
	})
}

func messageCmd(args []string) int {
	return runMessageCmd(args, os.Stdin, os.Stdout, os.Stderr)
}

func runMessageCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: create | dequeue | defer | delete | heartbeat | list")
		return 2
	}
	fs := flag.NewFlagSet("message "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./chanq.yaml", "path to config file")

	switch args[0] {
	case "create":
		channel := fs.String("channel", "", "channel name")
		name := fs.String("name", "", "deduplication key")
		content := fs.String("content", "", "message content")
		fromStdin := fs.Bool("stdin", false, "read message content from stdin")
		delay := fs.Duration("delay", 0, "delay before the message becomes available")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		body := []byte(*content)
		if *fromStdin {
			b, err := io.ReadAll(stdin)
			if err != nil {
				return fail(stderr, fmt.Errorf("read stdin: %w", err))
			}
			body = b
		}
		req := queue.CreateRequest{
			Channel:   strings.TrimSpace(*channel),
			Content:   body,
			DequeueAt: scheduleAfter(*delay),
			Name:      *name,
		}
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			res, err := store.Create(ctx, req)
			if err != nil {
				return fail(stderr, err)
			}
			_ = writeJSON(stdout, map[string]any{
				"status":       res.Status.String(),
				"id":           res.ID,
				"channel_size": res.ChannelSize,
			})
			return 0
		})

	case "dequeue":
		lock := fs.Duration("lock", 30*time.Second, "lease length")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			res, err := store.Dequeue(ctx, queue.DequeueRequest{LockMs: lock.Milliseconds()})
			if err != nil {
				return fail(stderr, err)
			}
			out := map[string]any{"status": res.Status.String()}
			if res.Status == queue.DequeueDequeued {
				out["message"] = newMessageView(res.Message)
			} else if res.HasRetry {
				out["retry_ms"] = res.RetryMs
			}
			_ = writeJSON(stdout, out)
			return 0
		})

	case "defer", "delete", "heartbeat":
		op := args[0]
		id := fs.Int64("id", 0, "message id")
		token := fs.String("token", "", "lease token from dequeue")
		delay := fs.Duration("delay", 0, "defer: delay before the message becomes available again")
		state := fs.String("state", "", "defer: new checkpoint state")
		lock := fs.Duration("lock", 30*time.Second, "heartbeat: new lease length")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		stateSet := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "state" {
				stateSet = true
			}
		})
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			var st queue.MessageStatus
			var err error
			switch op {
			case "defer":
				req := queue.DeferRequest{ID: *id, Token: *token, DequeueAt: scheduleAfter(*delay)}
				if stateSet {
					req.State = []byte(*state)
				}
				st, err = store.Defer(ctx, req)
			case "delete":
				st, err = store.Delete(ctx, queue.DeleteRequest{ID: *id, Token: *token})
			default:
				st, err = store.Heartbeat(ctx, queue.HeartbeatRequest{ID: *id, Token: *token, LockMs: lock.Milliseconds()})
			}
			if err != nil {
				return fail(stderr, err)
			}
			_ = writeJSON(stdout, map[string]any{"id": *id, "status": st.String()})
			if st == queue.MessageNotFound || st == queue.MessageStateInvalid {
				return 1
			}
			return 0
		})

	case "list":
		channel := fs.String("channel", "", "only list this channel")
		limit := fs.Int("limit", 100, "maximum messages (0 for all)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withStore(*configPath, stderr, func(ctx context.Context, store queue.Store) int {
			msgs, err := store.ListMessages(ctx, queue.MessageListRequest{Channel: strings.TrimSpace(*channel), Limit: *limit})
			if err != nil {
				return fail(stderr, err)
			}
			out := make([]messageView, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, newMessageView(m))
			}
			_ = writeJSON(stdout, out)
			return 0
		})

	default:
		fmt.Fprintf(stderr, "unknown message subcommand: %s\n", args[0])
		return 2
	}
}

// scheduleAfter converts a relative delay to an absolute dequeue time. Zero
// leaves the choice to the store clock.
func scheduleAfter(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return queue.EpochMs(time.Now().Add(d))
}
