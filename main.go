// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The courier command is a headless instant messaging agent that keeps a
// local message archive in sync with the server.
//
// Courier is compatible with the Jabber network, or with any instant
// messaging service that speaks the XMPP protocol.
package main // import "mellium.im/courier"

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mellium.im/courier/internal/archive"
	"mellium.im/courier/internal/backfill"
	"mellium.im/courier/internal/client"
	"mellium.im/courier/internal/connstate"
	"mellium.im/courier/internal/logwriter"
	"mellium.im/courier/internal/presence"
	"mellium.im/courier/internal/session"
	"mellium.im/courier/internal/storage"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/history"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const (
	appName = "courier"
)

// Set at build time while linking.
var (
	Version = "devel"
	Commit  = "unknown commit"
)

func printHelp(flags *flag.FlagSet, w io.Writer) {
	flags.SetOutput(w)
	fmt.Fprint(w, `Usage of courier:

`)
	flags.PrintDefaults()
}

// parseDuration parses the config duration, falling back to a default on
// empty or bad input.
func parseDuration(s, name string, def time.Duration, logger *log.Logger) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Printf("error parsing %s, defaulting to %s: %v", name, def, err)
		return def
	}
	return d
}

func main() {
	earlyLogs := &bytes.Buffer{}
	logger := log.New(io.MultiWriter(os.Stderr, earlyLogs), "", log.LstdFlags)
	debug := log.New(io.Discard, "DEBUG ", log.LstdFlags)
	xmlInLog := log.New(io.Discard, "RECV ", log.LstdFlags)
	xmlOutLog := log.New(io.Discard, "SENT ", log.LstdFlags)

	var (
		configPath string
		h          bool
		help       bool
		genConfig  bool
	)
	flags := flag.NewFlagSet(appName, flag.ContinueOnError)
	flags.StringVar(&configPath, "f", configPath, "the config file to load")
	flags.BoolVar(&h, "h", h, "print this help message")
	flags.BoolVar(&help, "help", help, "print this help message")
	flags.BoolVar(&genConfig, "config", genConfig, "print a default config file to stdout")
	// Even with ContinueOnError set, it still prints for some reason. Discard the
	// first defaults so we can write our own.
	flags.SetOutput(io.Discard)
	err := flags.Parse(os.Args[1:])
	if err != nil {
		logger.Println(err)
		printHelp(flags, os.Stderr)
		os.Exit(2)
	}

	if help || h {
		printHelp(flags, os.Stdout)
		return
	}

	if genConfig {
		err = printConfig(os.Stdout)
		if err != nil {
			logger.Fatalf("Error encoding default config as TOML: %v", err)
		}
		return
	}

	f, fpath, err := configFile(configPath)
	if err != nil {
		logger.Fatalf(`%v

Try running '%s -config' to generate a default config file.`, err, os.Args[0])
	}
	cfg := config{}
	_, err = toml.DecodeReader(f, &cfg)
	if err != nil {
		logger.Printf("error parsing config file: %v", err)
	}
	if err = f.Close(); err != nil {
		logger.Printf("error closing config file: %v", err)
	}

	if cfg.Log.Verbose {
		debug.SetOutput(io.MultiWriter(earlyLogs, os.Stderr))
	}
	if cfg.Log.XML {
		xmlInLog.SetOutput(os.Stderr)
		xmlOutLog.SetOutput(os.Stderr)
	}

	debug.Printf("%s %s (%s) Go %s %s", string(appName[0]^0x20)+appName[1:], Version, Commit, runtime.Version(), runtime.Compiler)

	if cfg.JID == "" {
		logger.Fatalf(`no user address specified, edit %q and add:

	jid="me@example.com"

`, fpath)
	}
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		logger.Fatalf("error parsing user address: %v", err)
	}

	p := message.NewPrinter(language.Und)

	// Open the database
	dbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := storage.OpenDB(dbCtx, appName, j.Bare().String(), cfg.DB, Migrations(), p, debug)
	cancel()
	if err != nil {
		logger.Fatalf("error opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Printf("error closing database: %v", err)
		}
	}()

	timeout := parseDuration(cfg.Timeout, "timeout", 30*time.Second, logger)

	// Conversations listed under sync.archive only sync during the daily
	// catch-up pass, not on every reconnect.
	for _, a := range cfg.Sync.Archive {
		archJID, err := jid.Parse(a)
		if err != nil {
			logger.Printf("invalid sync.archive entry %q: %v", a, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.SetArchived(ctx, archJID.Bare(), true)
		cancel()
		if err != nil {
			logger.Printf("error marking %s archived: %v", archJID.Bare(), err)
		}
	}

	pass := &bytes.Buffer{}
	if len(cfg.PassCmd) > 0 {
		args := strings.Fields(cfg.PassCmd)
		debug.Printf("running command: %q", cfg.PassCmd)
		// The config file is considered a safe source since it is never written
		// except by the user, so consider this use of exec to be safe.
		/* #nosec */
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stderr = os.Stderr
		cmd.Stdout = pass
		/* #nosec */
		err := cmd.Run()
		if err != nil {
			logger.Printf("error running password command: %v", err)
		}
	}
	getPass := func(ctx context.Context) (string, error) {
		return strings.TrimSuffix(pass.String(), "\n"), nil
	}

	var keylog io.Writer
	if cfg.KeyLog != "" {
		keylog, err = os.OpenFile(cfg.KeyLog, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0400)
		if err != nil {
			logger.Printf("error creating keylog file: %q", err)
		}
	}
	dialer := &dial.Dialer{
		TLSConfig: &tls.Config{
			ServerName:   j.Domain().String(),
			KeyLogWriter: keylog,
			MinVersion:   tls.VersionTLS12,
		},
		NoLookup: cfg.NoSRV,
		NoTLS:    cfg.NoTLS,
	}

	var rosterVer string
	func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		rosterVer, err = db.RosterVer(ctx)
		if err != nil {
			logger.Printf("error retrieving roster version, falling back to full roster fetch: %v", err)
		}
	}()
	c := client.New(
		j, logger, debug,
		client.Timeout(timeout),
		client.Dialer(dialer),
		client.NoTLS(cfg.NoTLS),
		client.Tee(logwriter.New(xmlInLog), logwriter.New(xmlOutLog)),
		client.Password(getPass),
		client.RosterVer(rosterVer),
		client.Printer(p),
	)

	sess := session.New(c,
		session.Backoff(connstate.Config{
			InitialDelay:   parseDuration(cfg.Reconnect.InitialDelay, "reconnect.initial_delay", time.Second, logger),
			Multiplier:     cfg.Reconnect.Multiplier,
			MaxDelay:       parseDuration(cfg.Reconnect.MaxDelay, "reconnect.max_delay", 5*time.Minute, logger),
			AttemptCeiling: cfg.Reconnect.AttemptCeiling,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
		}),
		session.VerifyTimeout(timeout),
		session.Logger(logger, debug),
		session.Creds(db),
	)

	// Rooms keep their own archives, so queries go to the room itself rather
	// than to the account archive with a filter. The query goes through the
	// session so a closed-socket failure triggers a reconnect instead of only
	// failing the sync.
	queryArchive := func(ctx context.Context, archiveJID jid.JID, q history.Query) error {
		return sess.Do(ctx, func(ctx context.Context) error {
			if c.Joined(archiveJID) {
				return c.QueryRoomArchive(ctx, archiveJID, q)
			}
			return c.QueryArchive(ctx, archiveJID, q)
		})
	}
	loadHistory := func(ctx context.Context, loadJID jid.JID, limit int) error {
		typ := stanza.ChatMessage
		if c.Joined(loadJID) {
			typ = stanza.GroupChatMessage
		}
		iter := db.QueryHistory(ctx, loadJID.Bare().String(), typ, limit)
		var n int
		for iter.Next() {
			n++
		}
		err := iter.Err()
		if closeErr := iter.Close(); err == nil {
			err = closeErr
		}
		debug.Printf("loaded %d cached messages for %s", n, loadJID)
		return err
	}

	archOpts := []archive.Option{
		archive.Logger(logger, debug),
		archive.Disconnected(session.IsDeadSocket),
	}
	if cfg.Sync.PageSize > 0 {
		archOpts = append(archOpts, archive.PageSize(cfg.Sync.PageSize))
	}
	arch := archive.New(db, loadHistory, queryArchive, sess.Online, archOpts...)

	schedOpts := []backfill.Option{
		backfill.Logger(debug),
		backfill.RoomDelay(parseDuration(cfg.Sync.RoomDelay, "sync.room_delay", 30*time.Second, logger)),
	}
	if cfg.Sync.Concurrency > 0 {
		schedOpts = append(schedOpts, backfill.Concurrency(cfg.Sync.Concurrency))
	}
	if cfg.Sync.PageSize > 0 {
		schedOpts = append(schedOpts, backfill.PageSize(cfg.Sync.PageSize))
	}
	sched := backfill.New(db, queryArchive, schedOpts...)

	runCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	sess.OnOnline(func(fresh bool) {
		if fresh {
			arch.Reset()
			arch.Reconnected()
			go func() {
				ctx, cancel := context.WithTimeout(runCtx, timeout)
				defer cancel()
				rooms, err := db.Rooms(ctx)
				if err != nil {
					logger.Printf("error listing bookmarked rooms: %v", err)
					return
				}
				for _, room := range rooms {
					joinJID, err := room.WithResource(j.Localpart())
					if err != nil {
						logger.Printf("invalid nick for %s: %v", room, err)
						continue
					}
					err = sess.Do(ctx, func(ctx context.Context) error {
						return c.JoinMUC(ctx, joinJID)
					})
					if err != nil {
						logger.Printf("error joining %s: %v", room, err)
					}
				}
			}()
		}
		go sched.Run(runCtx, fresh)
	})
	sess.OnOffline(sched.ConnectionLost)

	c.Handler(newClientHandler(c, db, sess, arch, logger, debug))

	unsubscribe := sess.Subscribe(func(st session.Status) {
		switch {
		case st.Err != "":
			logger.Printf("connection %s: %s", st.Conn, st.Err)
		case st.Attempt > 0:
			logger.Printf("connection %s: attempt %d, next try in %s", st.Conn, st.Attempt, st.NextDelay)
		default:
			debug.Printf("connection %s", st.Conn)
		}
	})
	defer unsubscribe()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-sigs
		debug.Print("shutting down")
		sess.Disconnect()
		shutdown()
	}()

	sess.Connect()
	sess.SetPresence(presence.Online, "")
	if err := sess.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("session ended: %v", err)
	}
}
