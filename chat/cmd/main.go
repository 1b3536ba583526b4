package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/chat/derive"
	"github.com/seedchat/seedchat/chat/identity"
	"github.com/seedchat/seedchat/chat/loopback"
	"github.com/seedchat/seedchat/chat/relayclient"
	"github.com/seedchat/seedchat/chat/session"
	"github.com/seedchat/seedchat/internal/config"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
	"github.com/seedchat/seedchat/internal/workflow"
)

type Config struct {
	App      config.App `mapstructure:"app"`
	RelayURL string     `mapstructure:"relay_url"`
	DataDir  string     `mapstructure:"data_dir"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")

		// empty relay url means in-process local mode
		v.SetDefault("relay_url", "")
		v.SetDefault("data_dir", defaultDataDir())
	})
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".seedchat")
}

func main() {
	seedFlag := flag.String("seed", "", "room seed phrase")
	generate := flag.Bool("generate", false, "generate a fresh seed and join its room")
	flag.Parse()

	config, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger, err := log.NewLogger(config.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer logger.Sync()

	seed := *seedFlag
	switch {
	case *generate:
		seed = derive.GenerateSeed()
		fmt.Printf("Generated seed (share it to invite): %s\n", seed)
	case seed == "":
		seed = promptSeed()
	}

	var realtime chat.Realtime
	if config.RelayURL != "" {
		realtime = relayclient.New(config.RelayURL, logger)
	} else {
		fmt.Println("No relay configured, running in local mode.")
		realtime = loopback.NewHub(clockwork.NewRealClock(), logger).NewClient()
	}

	ids := identity.NewStore(openKV(config.DataDir, logger), logger.Module("Identity"))

	client := newClient(os.Stdout)
	ctx := context.Background()

	sess, err := session.Join(ctx, seed, session.Options{
		Realtime:    realtime,
		Identities:  ids,
		Logger:      logger,
		OnMessage:   client.printMessage,
		OnCountdown: client.printCountdown,
		OnExpired:   client.printExpired,
	})
	if err != nil {
		logger.Fatal("Failed to join room", log.Error(err))
	}

	id := sess.Identity()
	fmt.Printf("Joined room %s as %s (%s left). /name to rename, /export for a transcript.\n",
		sess.RoomID(), id.UserName, formatDuration(sess.Remaining()))

	go client.readLines(ctx, sess)

	cleanup := func(ctx context.Context) {
		if err := sess.Leave(ctx); err != nil {
			logger.Error("Error leaving room", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, config.App.ShutdownTimeout)
}

func promptSeed() string {
	fmt.Print("Enter seed phrase: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		os.Exit(1)
	}
	return strings.TrimSpace(scanner.Text())
}

// openKV prefers the durable store, so the same seed keeps the same
// name across runs. A broken data dir degrades to a volatile one.
func openKV(dataDir string, logger *log.Logger) chat.KV {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		logger.Warn("failed to create data dir, identities will not persist", log.Error(err))
		return identity.NewMemKV()
	}
	kv, err := identity.NewBoltKV(filepath.Join(dataDir, "identity.db"))
	if err != nil {
		logger.Warn("failed to open identity db, identities will not persist", log.Error(err))
		return identity.NewMemKV()
	}
	return kv
}

type client struct {
	out        *os.File
	lastNotice time.Duration
}

func newClient(out *os.File) *client {
	return &client{out: out, lastNotice: -1}
}

func (c *client) printMessage(msg chat.Message) {
	ts := time.UnixMilli(msg.Timestamp).Local().Format("15:04")
	fmt.Fprintf(c.out, "[%s] %s: %s\n", ts, msg.SenderName, msg.Text)
}

// printCountdown keeps quiet until the last five minutes, then notes
// each remaining minute once.
func (c *client) printCountdown(remaining time.Duration) {
	if remaining > 5*time.Minute {
		return
	}
	minute := remaining.Truncate(time.Minute)
	if minute == c.lastNotice {
		return
	}
	c.lastNotice = minute
	fmt.Fprintf(c.out, "* room closes in %s\n", formatDuration(remaining))
}

func (c *client) printExpired() {
	fmt.Fprintln(c.out, "* room has expired, messages are gone; press Ctrl-C to quit")
}

func (c *client) readLines(ctx context.Context, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/name "):
			id, err := sess.Rename(strings.TrimPrefix(line, "/name "))
			if err != nil {
				fmt.Fprintf(c.out, "* rename failed: %v\n", err)
				continue
			}
			fmt.Fprintf(c.out, "* you are now %s\n", id.UserName)
		case line == "/export":
			fmt.Fprintln(c.out, sess.ExportTranscript())
		default:
			if _, err := sess.Send(ctx, line); err != nil {
				c.printSendError(err)
			}
		}
	}
}

func (c *client) printSendError(err error) {
	switch {
	case errors.Is(err, chat.ErrExpired):
		fmt.Fprintln(c.out, "* room has expired, message not sent")
	case errors.Is(err, chat.ErrTransport):
		fmt.Fprintln(c.out, "* relay unreachable, message kept locally")
	default:
		fmt.Fprintf(c.out, "* %v\n", err)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
