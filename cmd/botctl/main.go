// Command botctl operates a running chat bot: health probes, permission
// checks, forced changelog flushes and cache invalidation over the HTTP API,
// plus direct database maintenance (migrations, watched-time ranks).
package main

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/onnwee/chatbot/db"
	"github.com/onnwee/chatbot/permissions"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:    "botctl",
		Usage:   "chat bot operations",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "base URL of the bot HTTP API",
			Value:   "http://localhost:8080",
			EnvVars: []string{"BOTCTL_ADDR"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "token sent as X-Admin-Token on admin routes",
			EnvVars: []string{"BOTCTL_ADMIN_TOKEN", "ADMIN_TOKEN"},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "health",
			Usage:  "probe /healthz and /readyz",
			Action: health,
		},
		{
			Name:  "check",
			Usage: "ask whether a user holds a permission",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "user", Usage: "twitch user id", Required: true},
				&cli.StringFlag{Name: "permission", Usage: "permission group id"},
				&cli.StringFlag{Name: "name", Usage: "permission group name, instead of --permission"},
			},
			Action: check,
		},
		{
			Name:   "flush",
			Usage:  "persist all pending changelog entries now",
			Action: flush,
		},
		{
			Name:   "invalidate",
			Usage:  "reload permission groups and clear cached decisions on every instance",
			Action: invalidate,
		},
		{
			Name:  "migrate",
			Usage: "manage the database schema (uses DB_DSN)",
			Subcommands: []*cli.Command{
				{Name: "up", Usage: "apply all pending migrations", Action: migrateUp},
				{Name: "down", Usage: "roll back the latest migration", Action: migrateDown},
				{Name: "version", Usage: "print the applied migration version", Action: migrateVersion},
			},
		},
		{
			Name:  "rank",
			Usage: "manage watched-time ranks (uses DB_DSN)",
			Subcommands: []*cli.Command{
				{
					Name:  "set",
					Usage: "create or update a rank threshold",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "name", Required: true},
						&cli.Int64Flag{Name: "hours", Usage: "hours watched to hold the rank", Required: true},
					},
					Action: rankSet,
				},
				{Name: "list", Usage: "print all ranks", Action: rankList},
			},
		},
	}
	return app
}

func client(cctx *cli.Context) *apiClient {
	return newAPIClient(cctx.String("addr"), cctx.String("admin-token"))
}

func health(cctx *cli.Context) error {
	c := client(cctx)
	var live string
	if err := c.do(cctx.Context, http.MethodGet, "/healthz", nil, &live); err != nil {
		return err
	}
	var ready map[string]string
	if err := c.do(cctx.Context, http.MethodGet, "/readyz", nil, &ready); err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "healthz: %s\nreadyz: %s\n", live, ready["status"])
	return nil
}

func check(cctx *cli.Context) error {
	q := url.Values{"user": {cctx.String("user")}}
	switch {
	case cctx.String("permission") != "":
		q.Set("permission", cctx.String("permission"))
	case cctx.String("name") != "":
		q.Set("name", cctx.String("name"))
	default:
		return fmt.Errorf("one of --permission or --name is required")
	}
	var resp struct {
		UserID     string `json:"user_id"`
		Permission string `json:"permission"`
		Access     bool   `json:"access"`
	}
	if err := client(cctx).do(cctx.Context, http.MethodGet, "/permissions/check", q, &resp); err != nil {
		return err
	}
	verdict := "denied"
	if resp.Access {
		verdict = "allowed"
	}
	fmt.Fprintf(cctx.App.Writer, "%s %s: %s\n", resp.UserID, resp.Permission, verdict)
	return nil
}

func flush(cctx *cli.Context) error {
	var resp struct {
		Pending int `json:"pending"`
	}
	if err := client(cctx).do(cctx.Context, http.MethodPost, "/admin/flush", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "flushed, %d entries pending\n", resp.Pending)
	return nil
}

func invalidate(cctx *cli.Context) error {
	if err := client(cctx).do(cctx.Context, http.MethodPost, "/admin/permissions/invalidate", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cctx.App.Writer, "permissions invalidated")
	return nil
}

func migrateUp(cctx *cli.Context) error {
	database, err := db.Connect()
	if err != nil {
		return err
	}
	defer database.Close()
	return db.RunMigrations(database)
}

func migrateDown(cctx *cli.Context) error {
	database, err := db.Connect()
	if err != nil {
		return err
	}
	defer database.Close()
	return db.MigrateDown(database)
}

func migrateVersion(cctx *cli.Context) error {
	database, err := db.Connect()
	if err != nil {
		return err
	}
	defer database.Close()
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "version %d dirty=%t\n", version, dirty)
	return nil
}

func rankSet(cctx *cli.Context) error {
	if cctx.Int64("hours") < 0 {
		return fmt.Errorf("--hours must not be negative")
	}
	database, err := db.Connect()
	if err != nil {
		return err
	}
	defer database.Close()
	r := permissions.Rank{Name: cctx.String("name"), HoursWatched: cctx.Int64("hours")}
	if err := db.NewRankStore(database).UpsertRank(cctx.Context, r); err != nil {
		return fmt.Errorf("set rank %s: %w", r.Name, err)
	}
	fmt.Fprintf(cctx.App.Writer, "rank %s at %d hours\n", r.Name, r.HoursWatched)
	return nil
}

func rankList(cctx *cli.Context) error {
	database, err := db.Connect()
	if err != nil {
		return err
	}
	defer database.Close()
	ranks, err := db.NewRankStore(database).ListRanks(cctx.Context)
	if err != nil {
		return err
	}
	for _, r := range ranks {
		fmt.Fprintf(cctx.App.Writer, "%s\t%d\n", r.Name, r.HoursWatched)
	}
	return nil
}
