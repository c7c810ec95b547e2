package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/glizzus/cronrunner/internal/config"
	"github.com/glizzus/cronrunner/internal/presenters"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/glizzus/cronrunner/internal/schedule"
	"github.com/urfave/cli/v2"
)

// withRepository opens the store chosen by --store for the duration of action.
func withRepository(action func(c *cli.Context, repo repository.JobRepository) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		repo, closeRepo, err := repository.OpenFromEnv(c.Context, c.String("store"))
		if err != nil {
			return cli.Exit("Failed to open store: "+err.Error(), 1)
		}
		defer func() {
			if cerr := closeRepo(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}()
		return action(c, repo)
	}
}

func main() {
	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env file: %v", err)
	}

	app := &cli.App{
		Name:        "cronrunner-cli",
		Description: "A development CLI for inspecting and repairing the cron job store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Store driver: postgres, sqlite or redis",
				EnvVars: []string{"STORE_DRIVER"},
				Value:   "sqlite",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Create the cronjobs table if it does not exist",
				Action: withRepository(func(c *cli.Context, repo repository.JobRepository) error {
					if err := repo.EnsureSchema(c.Context); err != nil {
						return cli.Exit("Failed to migrate: "+err.Error(), 1)
					}
					log.Println("Schema is up to date.")
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List pending job instances in fire time order",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "function-id",
						Usage: "Only list jobs of this function id, e.g. heartbeat-v1",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of jobs to list, 0 for all",
					},
				},
				Action: withRepository(func(c *cli.Context, repo repository.JobRepository) error {
					rows, err := repo.List(c.Context, repository.ListFilter{
						FunctionID: c.String("function-id"),
						Limit:      c.Int("limit"),
					})
					if err != nil {
						return cli.Exit("Failed to retrieve jobs: "+err.Error(), 1)
					}
					return presenters.WriteJobInstances(c.App.Writer, rows, time.Now())
				}),
			},
			{
				Name:      "next",
				Usage:     "Preview the next run times of a cron expression",
				ArgsUsage: "<cron expression>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "count",
						Usage: "Number of run times to show",
						Value: 5,
					},
				},
				Action: func(c *cli.Context) error {
					expr := c.Args().First()
					if expr == "" {
						return cli.Exit("Please provide a cron expression, e.g. '*/5 * * * *'", 1)
					}
					if err := schedule.ValidateCron(expr); err != nil {
						return cli.Exit(err.Error(), 1)
					}
					times, err := schedule.NextRunTimes(expr, c.Int("count"))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					return presenters.WriteRunTimes(c.App.Writer, expr, times)
				},
			},
			{
				Name:      "release",
				Usage:     "Clear the claimant of a job left claimed by a failed execution",
				ArgsUsage: "<job id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "claimant",
						Usage: "Only release the job if this runner holds it",
					},
				},
				Action: withRepository(func(c *cli.Context, repo repository.JobRepository) error {
					id, err := strconv.ParseInt(c.Args().First(), 10, 64)
					if err != nil {
						return cli.Exit("Invalid job id: "+err.Error(), 1)
					}
					err = repo.Release(c.Context, id, c.String("claimant"))
					if errors.Is(err, repository.ErrNotFound) {
						return cli.Exit(fmt.Sprintf("Job %d not found or held by another runner", id), 1)
					}
					if err != nil {
						return cli.Exit("Failed to release job: "+err.Error(), 1)
					}
					log.Printf("Job %d released.", id)
					return nil
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error running CLI: %v", err)
	}
}
