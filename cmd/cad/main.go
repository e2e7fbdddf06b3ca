package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/mo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/civil"
	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/export"
	"cadence/internal/logging"
	"cadence/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "cad",
	Short: "Cadence CLI",
	Long: `Cadence turns recurring activities into a concrete, per-day agenda.

- Activity: a catalog template such as "Morning stretch".
- Schedule: a user's plan with a start date.
- Plan entry: an activity placed on a schedule with a local start time and a
  recurrence rule (FREQ=DAILY|WEEKLY|MONTHLY|YEARLY plus INTERVAL, COUNT,
  UNTIL, BYDAY, BYMONTHDAY, BYMONTH).
- Instances: the materialized occurrences, regenerated from today up to the
  configured horizon whenever the rule or anchor changes.
- Times are wall-clock times in the user's zone; a daily 07:00 stays 07:00
  across daylight saving changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CADENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user (id, email or name); defaults to the only user")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(regenerateCmd())
	rootCmd.AddCommand(agendaCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var timezone string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create cadence.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists\n", path)
			} else if errors.Is(err, os.ErrNotExist) {
				if timezone != "" {
					if _, err := time.LoadLocation(timezone); err != nil {
						return fmt.Errorf("timezone %q: %w", timezone, err)
					}
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(timezone)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			} else {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.MigrateContext(cmd.Context(), conn)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Printf("Applied migration %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "default IANA zone for new users")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect cadence.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cadence.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

// --- users ---

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userShowCmd())
	usr.AddCommand(userSetZoneCmd())
	usr.AddCommand(userKeyCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	var notify bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("notify") {
				opts.DefaultNotify = mo.Some(notify)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA zone (defaults to config)")
	cmd.Flags().BoolVar(&notify, "notify", true, "notify by default for new plan entries")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Email", "Timezone", "Notify")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Timezone, u.DefaultNotify})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				return printJSONOrTable(u)
			})
		},
	}
}

func userSetZoneCmd() *cobra.Command {
	var regenerate bool
	cmd := &cobra.Command{
		Use:   "set-zone <zone>",
		Short: "Change the acting user's time zone",
		Long: `Stored instances keep their instants. Pass --regenerate to rebuild
future instances in the new zone right away.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone := strings.TrimSpace(args[0])
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				updated, err := e.UpdateUser(ctx, engine.UserUpdateOptions{ID: u.ID, Timezone: &zone})
				if err != nil {
					return err
				}
				if regenerate {
					summary, err := e.RegenerateAll(ctx, u.ID)
					if err != nil {
						return err
					}
					fmt.Printf("Regenerated %d plan entries (%d instances)\n", summary.Activities, summary.Created)
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "regenerate future instances in the new zone")
	return cmd
}

func userKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				key, secret, err := e.CreateAPIKey(ctx, u.ID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": secret})
				}
				fmt.Printf("API key %s created. Store it now, it is not shown again:\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

// --- catalog and schedules ---

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Manage catalog activities"}
	var a domain.Activity
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				created, err := e.CreateActivity(ctx, a, u.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&a.ID, "id", "", "activity id (generated when empty)")
	create.Flags().StringVar(&a.Title, "title", "", "title")
	create.Flags().StringVar(&a.Category, "category", "", "category")
	create.Flags().StringVar(&a.Description, "description", "", "description")
	create.Flags().StringVar(&a.Difficulty, "difficulty", "", "difficulty")
	create.Flags().IntVar(&a.DurationMinutes, "duration", 0, "duration in minutes")
	_ = create.MarkFlagRequired("title")

	var category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Category", "Minutes")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Category, a.DurationMinutes})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", "category filter")
	act.AddCommand(create, list)
	return act
}

func scheduleCmd() *cobra.Command {
	sch := &cobra.Command{Use: "schedule", Short: "Manage schedules"}
	var id, name, start, end string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			startDate, err := civil.ParseDate(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			endDate, err := parseOptionalDate("end", end)
			if err != nil {
				return err
			}
			opts := engine.ScheduleCreateOptions{ID: id, Name: name, StartDate: startDate, EndDate: endDate}
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				opts.UserID = u.ID
				s, err := e.CreateSchedule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "schedule id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "name")
	create.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	create.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("start")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the acting user's schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				items, err := e.Repo.ListSchedules(ctx, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Start", "End")
				for _, s := range items {
					endDate := ""
					if s.EndDate != nil {
						endDate = s.EndDate.String()
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.StartDate, endDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	sch.AddCommand(create, list)
	return sch
}

// --- agenda ---

func regenerateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate instances of every plan entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := ""
				if !all {
					u, err := app.ResolveUser(ctx, e.Repo, viper.GetString("user"))
					if err != nil {
						return err
					}
					userID = u.ID
				}
				summary, err := e.RegenerateAll(ctx, userID)
				if perr := printJSONOrTable(summary); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "regenerate for every user")
	return cmd
}

func agendaCmd() *cobra.Command {
	var start, end string
	var days int
	var ics bool
	cmd := &cobra.Command{
		Use:   "agenda",
		Short: "Show instances grouped by local date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				from, err := dateOrToday(e, u, start)
				if err != nil {
					return err
				}
				to := from.AddDays(days - 1)
				if end != "" {
					if to, err = civil.ParseDate(end); err != nil {
						return fmt.Errorf("--end: %w", err)
					}
				}
				agenda, err := e.GetSchedule(ctx, u, from, to)
				if err != nil {
					return err
				}
				if ics {
					return export.WriteAgenda(os.Stdout, agenda, time.Now())
				}
				if viper.GetBool("json") {
					return printJSON(agenda.Days)
				}
				printAgenda(agenda)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first date (defaults to today)")
	cmd.Flags().StringVar(&end, "end", "", "last date, inclusive")
	cmd.Flags().IntVar(&days, "days", 7, "number of days when --end is not set")
	cmd.Flags().BoolVar(&ics, "ics", false, "write an iCalendar feed")
	return cmd
}

func printAgenda(agenda engine.Agenda) {
	tw := newTable("Date", "Time", "Title", "Done", "Notify", "Instance")
	tw.SetTitle(fmt.Sprintf("%s to %s (%s)", agenda.Start, agenda.End, agenda.Zone))
	for _, d := range agenda.Dates() {
		for _, v := range agenda.Days[d] {
			done := ""
			if v.Completed {
				done = "yes"
			}
			tw.AppendRow(table.Row{d.String() + " " + d.Weekday().String()[:3], v.LocalStartTime, v.Title, done, v.Notify, v.ID})
		}
		tw.AppendSeparator()
	}
	tw.Render()
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Update single occurrences"}
	var mood, notes string
	complete := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an instance completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				var moodPtr, notesPtr *string
				if cmd.Flags().Changed("mood") {
					moodPtr = &mood
				}
				if cmd.Flags().Changed("notes") {
					notesPtr = &notes
				}
				updated, err := e.CompleteInstance(ctx, u.ID, args[0], moodPtr, notesPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	complete.Flags().StringVar(&mood, "mood", "", "how it went")
	complete.Flags().StringVar(&notes, "notes", "", "free-form notes")

	var off bool
	notify := &cobra.Command{
		Use:   "notify <id>",
		Short: "Turn notification on (or off with --off) for one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				updated, err := e.SetInstanceNotify(ctx, u.ID, args[0], !off)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	notify.Flags().BoolVar(&off, "off", false, "disable notification")
	inst.AddCommand(complete, notify)
	return inst
}

func notifyCmd() *cobra.Command {
	ntf := &cobra.Command{Use: "notify", Short: "Notification queries"}
	var within time.Duration
	due := &cobra.Command{
		Use:   "due",
		Short: "List open instances due for notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				from := time.Now()
				items, err := e.DueNotifications(ctx, u, from, from.Add(within))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				loc, err := e.Zones.Location(u.Timezone)
				if err != nil {
					return err
				}
				tw := newTable("When", "Title", "Instance")
				for _, v := range items {
					tw.AppendRow(table.Row{v.Instant.In(loc).Format("Mon 2006-01-02 15:04"), v.Title, v.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	due.Flags().DurationVar(&within, "within", 24*time.Hour, "look-ahead window")
	ntf.AddCommand(due)
	return ntf
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that changed: users, schedules, plan entries and materialization runs.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := ""
				if name := viper.GetString("user"); name != "" {
					u, err := app.ResolveUser(ctx, e.Repo, name)
					if err != nil {
						return err
					}
					userID = u.ID
				}
				events, err := e.Repo.LatestEvents(ctx, n, userID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func openEngine(ctx context.Context) (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	return e, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func withUser(ctx context.Context, fn func(context.Context, engine.Engine, domain.User) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		u, err := app.ResolveUser(ctx, e.Repo, viper.GetString("user"))
		if err != nil {
			return err
		}
		return fn(ctx, e, u)
	})
}

func dateOrToday(e engine.Engine, u domain.User, value string) (civil.Date, error) {
	if value == "" {
		return e.Today(u)
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		return civil.Date{}, fmt.Errorf("--start: %w", err)
	}
	return d, nil
}

func parseOptionalDate(flag, value string) (mo.Option[civil.Date], error) {
	if value == "" {
		return mo.None[civil.Date](), nil
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		return mo.None[civil.Date](), fmt.Errorf("--%s: %w", flag, err)
	}
	return mo.Some(d), nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
