package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/weedbox/popbox"
	"github.com/weedbox/popbox/maildir"
	"github.com/weedbox/popbox/pop3"
)

var opts struct {
	Configfile string   `short:"c" long:"config" description:"Config file location. Default: ~/.popsync.toml"`
	Debug      bool     `short:"d" long:"debug" description:"Enable debug logs. Overrides the log level in the config file"`
	Unread     bool     `short:"u" long:"unread" description:"List unread messages only"`
	Search     string   `short:"s" long:"search" description:"List messages whose subject contains the text"`
	Sort       string   `long:"sort" default:"received" choice:"received" choice:"sent" choice:"subject" choice:"from" choice:"size" description:"Sort field"`
	Reverse    bool     `short:"r" long:"reverse" description:"Sort descending"`
	Seen       []string `long:"seen" description:"Mark a message seen. Use multiple times for more messages"`
	Flag       []string `long:"flag" description:"Flag a message. Use multiple times for more messages"`
	Delete     []string `long:"delete" description:"Delete a message when the session closes. Use multiple times for more messages"`
	Show       string   `long:"show" description:"Print a raw message"`
}

var sortFields = map[string]popbox.SortField{
	"received": popbox.SortReceivedDate,
	"sent":     popbox.SortSentDate,
	"subject":  popbox.SortSubject,
	"from":     popbox.SortFrom,
	"size":     popbox.SortSize,
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	var parser = flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Configfile == "" {
		u, err := user.Current()
		if err != nil {
			logger.Error().Err(err).Msg("Cannot determine current user")
			os.Exit(1)
		}
		opts.Configfile = filepath.Join(u.HomeDir, ".popsync.toml")
	}

	conf, err := popbox.LoadConfig(opts.Configfile)
	if err != nil {
		logger.Error().Err(err).Msg("Error loading config file")
		os.Exit(1)
	}
	if opts.Debug {
		conf.LogLevel = "debug"
	}
	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid log level")
		os.Exit(1)
	}
	logger = logger.Level(level)

	if err := run(context.Background(), conf, logger); err != nil {
		logger.Error().Err(err).Msg("popsync failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *popbox.Config, logger zerolog.Logger) error {
	db, err := gorm.Open(sqlite.Open(conf.Database), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store, err := popbox.NewGormMetadataStore(db)
	if err != nil {
		return err
	}

	counters, err := popbox.NewPrometheusCounters(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var transport popbox.Transport
	switch conf.Protocol {
	case popbox.ProtocolMaildir:
		transport = maildir.New(conf.Maildir, false)
	default:
		transport = pop3.New(pop3.OptionsFromConfig(conf))
	}

	access, err := popbox.NewAccess(popbox.AccessOptions{
		Config: conf,
		Sessions: popbox.StaticSession{
			ContextID: conf.ContextID,
			UserID:    conf.UserID,
			Login:     conf.Username,
			Locale:    conf.Locale,
		},
		Transport: transport,
		Store:     store,
		Counters:  counters,
		Logger:    &logger,
	})
	if err != nil {
		return err
	}

	if err := access.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := access.Close(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to close mailbox")
		}
	}()

	messages, err := access.MessageStorage()
	if err != nil {
		return err
	}

	if len(opts.Seen) > 0 {
		if err := messages.UpdateFlags(ctx, opts.Seen, popbox.FlagSeen, true); err != nil {
			return err
		}
	}
	if len(opts.Flag) > 0 {
		if err := messages.UpdateFlags(ctx, opts.Flag, popbox.FlagFlagged, true); err != nil {
			return err
		}
	}
	if len(opts.Delete) > 0 {
		if err := messages.DeleteMessages(ctx, opts.Delete); err != nil {
			return err
		}
	}

	if opts.Show != "" {
		msg, err := messages.GetMessage(ctx, opts.Show, popbox.GetOptions{MarkSeen: true, WithBody: true})
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(msg.Body)
		return err
	}

	var list []*popbox.Message
	if opts.Unread {
		list, err = messages.GetUnreadMessages(ctx, 0)
	} else {
		req := &popbox.SearchRequest{
			Sort:   sortFields[opts.Sort],
			Fields: popbox.FieldsAll,
		}
		if opts.Reverse {
			req.Order = popbox.Descending
		}
		if opts.Search != "" {
			req.Term = popbox.SubjectTerm(opts.Search)
		}
		list, err = messages.SearchMessages(ctx, req)
	}
	if err != nil {
		return err
	}

	for _, msg := range list {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg *popbox.Message) {
	var from, subject, date string
	if env := msg.Envelope; env != nil {
		subject = env.Subject
		if len(env.From) > 0 {
			from = env.From[0].String()
		}
		if !env.ReceivedDate.IsZero() {
			date = env.ReceivedDate.Format("2006-01-02 15:04")
		}
	}
	marker := " "
	if !msg.Flags.Has(popbox.FlagSeen) {
		marker = "N"
	}
	fmt.Printf("%s %-24s %-16s %-30s %s", marker, msg.UIDL, date, from, subject)
	if len(msg.Tags) > 0 {
		fmt.Printf(" [%s]", strings.Join(msg.Tags, ","))
	}
	fmt.Println()
}
