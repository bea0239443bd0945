package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/config"
	"taskflow/internal/engine"
	"taskflow/internal/repo"
	"taskflow/internal/server"
)

func orgCmd() *cobra.Command {
	c := &cobra.Command{Use: "org", Short: "Manage the organization"}
	c.AddCommand(orgInitCmd())
	c.AddCommand(orgShowCmd())
	return c
}

func orgInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an organization with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				if cfg == nil || cfg.Org.ID != id {
					cfg = config.Default(id)
				}
				e := engine.New(r.DB, cfg)
				o, err := e.InitOrg(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOrg(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Import or export the organization config"}
	c.AddCommand(configImportCmd())
	c.AddCommand(configExportCmd())
	return c
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML config and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg.Org.ID = e.Config.Org.ID
				if err := e.ImportConfig(ctx, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("imported config for", cfg.Org.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", config.Path("."), "YAML file")
	return cmd
}

func configExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := config.ToYAML(e.Config)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "output file (- for stdout)")
	return cmd
}

func rbacCmd() *cobra.Command {
	c := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	c.AddCommand(rbacWhoamiCmd())
	c.AddCommand(rbacRoleCmd("grant", "Grant a role", engine.Engine.GrantRole))
	c.AddCommand(rbacRoleCmd("revoke", "Revoke a role", engine.Engine.RevokeRole))
	return c
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacRoleCmd(use, short string, apply func(engine.Engine, context.Context, string, string, string) error) *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				self := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, e.Config.Org.ID, self, "rbac.manage"); err != nil {
					return err
				}
				if err := apply(e, ctx, actor, role, self); err != nil {
					return err
				}
				fmt.Printf("%s %s: %s\n", use, actor, role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "target actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id from config")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(apiKeyListCmd())
	c.AddCommand(apiKeyDeleteCmd())
	return c
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				plain, key, err := repo.NewAPIKey(actor, name, time.Now())
				if err != nil {
					return err
				}
				if err := e.Repo.EnsureActor(ctx, nil, actor, key.CreatedAt); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates (default: --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, id); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var roles, perms []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), roles, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claims")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission claims")
	return cmd
}
