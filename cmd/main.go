package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/models"
	"cellarsync/internal/store"
	"cellarsync/internal/syncer"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "cellarsync",
		Usage: "Synchronize booking calendars with iCloud, Microsoft and Google.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", EnvVars: []string{"CELLARSYNC_CONFIG"}, Usage: "Path to a YAML config file."},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			serveCommand(),
			syncCommand(),
			authCommand(),
			connectICloudCommand(),
			disconnectCommand(),
			publishCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations.",
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := store.Migrate(c.Context, a.db); err != nil {
				return err
			}
			a.logger.Info("Database migrated.")
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run synchronization on the configured schedule until interrupted.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "run-now", Usage: "Run one cycle immediately after starting."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sink, err := a.reportSink(ctx)
			if err != nil {
				return err
			}
			sched, err := syncer.NewScheduler(a.logger, a.syncer(false), a.cfg.SyncSchedule, a.loc, sink)
			if err != nil {
				return err
			}

			sched.Start()
			if c.Bool("run-now") {
				if _, err := sched.RunNow(ctx); err != nil {
					a.logger.Error("Initial sync failed", "error", err)
				}
			}

			<-ctx.Done()
			a.logger.Info("Shutting down.")
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization cycle and print the report.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			dryRun := c.Bool("dry-run")
			var sink syncer.ReportSink
			if dryRun {
				a.logger.Info("Performing a dry run. No changes will be made.")
			} else if sink, err = a.reportSink(c.Context); err != nil {
				return err
			}

			sched, err := syncer.NewScheduler(a.logger, a.syncer(dryRun), a.cfg.SyncSchedule, a.loc, sink)
			if err != nil {
				return err
			}
			report, err := sched.RunNow(c.Context)
			if err != nil {
				return fmt.Errorf("sync cycle failed: %w", err)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func userFlag() cli.Flag {
	return &cli.StringFlag{Name: "user", Required: true, Usage: "Owner of the connector."}
}

// loadConnector returns the user's connector, or a fresh one when none is stored.
func loadConnector(ctx context.Context, a *app, userID string) (*models.Connector, error) {
	conn, err := a.store.GetConnector(ctx, userID)
	if errors.Is(err, common.ErrNotFound) {
		return &models.Connector{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connector: %w", err)
	}
	return conn, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a user to Google or Microsoft through OAuth consent.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Required: true, Usage: "google or microsoft"},
			userFlag(),
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			provider := models.Provider(strings.ToLower(c.String("provider")))
			if provider != models.ProviderGoogle && provider != models.ProviderMicrosoft {
				return fmt.Errorf("unsupported provider %q", c.String("provider"))
			}
			authURL, err := a.oauth.AuthCodeURL(provider, uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			code, _ := reader.ReadString('\n')
			code = strings.TrimSpace(code)
			if code == "" {
				return errors.New("no authorization code entered")
			}

			conn, err := loadConnector(c.Context, a, c.String("user"))
			if err != nil {
				return err
			}
			if err := a.oauth.Exchange(c.Context, provider, conn, code); err != nil {
				return err
			}

			a.logger.Info("Connected calendar.", "user", conn.UserID, "provider", provider)
			return nil
		},
	}
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("App-specific password: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func connectICloudCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect-icloud",
		Usage: "Validate and store iCloud CalDAV credentials for a user.",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "username", Required: true, Usage: "Apple ID email."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			password, err := readPassword()
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			encrypted, err := a.vault.Encrypt(password)
			if err != nil {
				return fmt.Errorf("failed to encrypt password: %w", err)
			}

			creds := &models.CalDAVCredentials{
				Username:          c.String("username"),
				EncryptedPassword: encrypted,
				IsValid:           true,
				IsActive:          true,
			}
			h, err := a.caldav.Validate(c.Context, creds)
			if err != nil {
				return fmt.Errorf("icloud credentials rejected: %w", err)
			}

			conn, err := loadConnector(c.Context, a, c.String("user"))
			if err != nil {
				return err
			}
			conn.Credentials = creds
			if err := a.store.SaveConnector(c.Context, conn); err != nil {
				return fmt.Errorf("failed to save connector: %w", err)
			}

			a.logger.Info("Connected calendar.", "user", conn.UserID, "provider", models.ProviderICloud, "calendar", h.Path)
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Remove a user's calendar credentials.",
		Flags: []cli.Flag{userFlag()},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			conn, err := a.store.GetConnector(c.Context, c.String("user"))
			if err != nil {
				return fmt.Errorf("failed to load connector: %w", err)
			}
			previous := conn.Provider()
			conn.Disconnect()
			if err := a.store.SaveConnector(c.Context, conn); err != nil {
				return fmt.Errorf("failed to save connector: %w", err)
			}

			a.logger.Info("Disconnected calendar.", "user", conn.UserID, "provider", previous)
			return nil
		},
	}
}

// bookingPublisher is the synchronous side of publisher.Publisher.
type bookingPublisher interface {
	Created(ctx context.Context, b models.Booking) error
	Updated(ctx context.Context, old, updated models.Booking) error
	Deleted(ctx context.Context, b models.Booking) error
}

// previousBooking rebuilds the state b had before an update. Empty values
// keep the stored field.
func previousBooking(b models.Booking, date, clock, customer string) models.Booking {
	old := b
	if date != "" {
		old.Date = date
	}
	if clock != "" {
		old.Time = clock
	}
	if customer != "" {
		old.CustomerName = customer
	}
	return old
}

func publishBooking(ctx context.Context, p bookingPublisher, action string, b, previous models.Booking) error {
	switch action {
	case "created":
		return p.Created(ctx, b)
	case "updated":
		return p.Updated(ctx, previous, b)
	case "deleted":
		return p.Deleted(ctx, b)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Push a stored booking to, or remove it from, the owner's external calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "booking", Required: true, Usage: "Booking id."},
			&cli.StringFlag{Name: "action", Value: "created", Usage: "created, updated or deleted"},
			&cli.StringFlag{Name: "previous-date", Usage: "Date before the update (YYYY-MM-DD)."},
			&cli.StringFlag{Name: "previous-time", Usage: "Time before the update (HH:MM)."},
			&cli.StringFlag{Name: "previous-customer", Usage: "Customer name before the update."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.store.GetBooking(c.Context, c.String("booking"))
			if err != nil {
				return fmt.Errorf("failed to load booking: %w", err)
			}

			previous := previousBooking(*b, c.String("previous-date"), c.String("previous-time"), c.String("previous-customer"))
			if err := publishBooking(c.Context, a.publisher(), c.String("action"), *b, previous); err != nil {
				return err
			}

			a.logger.Info("Published booking.", "booking", b.ID, "action", c.String("action"))
			return nil
		},
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
