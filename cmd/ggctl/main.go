package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/guidegenie/guidegenie/internal/api"
	"github.com/guidegenie/guidegenie/internal/authadmin"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverAddr string
	token      string
	cfgFile    string
	format     string
	timeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ggctl",
	Short: "GuideGenie admin CLI",
	Long: `ggctl talks to a GuideGenie server over gRPC.

Sign in once to store an access token, then manage accounts:

  ggctl signin --email admin@example.com
  ggctl users list
  ggctl users set-type <user-id> guide`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(configDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("GG")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverAddr == "" {
			serverAddr = viper.GetString("server")
		}
		if serverAddr == "" {
			serverAddr = "localhost:9090"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.guidegenie/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "gRPC address of the server (default localhost:9090)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "access token (default from config or GG_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")

	rootCmd.AddCommand(signinCmd, whoamiCmd, usersCmd, plansCmd, versionCmd)
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".guidegenie")
}

// call dials the server, runs one procedure and closes the connection.
func call(procedure string, input, out any) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = rpc.NewClient(conn, token).Call(ctx, procedure, input, out)
	var rerr *rpc.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%s: %s", rerr.Code, rerr.Message)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── signin ───────────────────────────────────────────────────────────────────

var (
	signinEmail    string
	signinPassword string
	signinSave     bool
)

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in and store the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if signinPassword == "" {
			signinPassword = os.Getenv("GG_PASSWORD")
		}
		var out api.SigninOutput
		if err := call("auth.signin", api.SigninInput{Email: signinEmail, Password: signinPassword}, &out); err != nil {
			return err
		}
		if !signinSave {
			fmt.Println(out.AccessToken)
			return nil
		}
		if err := saveToken(out.AccessToken); err != nil {
			return err
		}
		fmt.Printf("✓ Signed in as %s (%s)\n", out.User.Email, out.User.UserType)
		return nil
	},
}

func init() {
	signinCmd.Flags().StringVar(&signinEmail, "email", "", "account email")
	signinCmd.Flags().StringVar(&signinPassword, "password", "", "account password (default GG_PASSWORD)")
	signinCmd.Flags().BoolVar(&signinSave, "save", true, "store the token in the config file; otherwise print it")
	_ = signinCmd.MarkFlagRequired("email")
}

func saveToken(tok string) error {
	dir := configDir()
	if cfgFile == "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	viper.Set("server", serverAddr)
	viper.Set("token", tok)
	path := cfgFile
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// ── whoami ───────────────────────────────────────────────────────────────────

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st session.State
		if err := call("auth.me", nil, &st); err != nil {
			return err
		}
		if format == "json" {
			return printJSON(st)
		}
		if st.User == nil {
			fmt.Println("not signed in")
			return nil
		}
		fmt.Printf("ID:    %s\n", st.User.ID)
		fmt.Printf("Email: %s\n", st.User.Email)
		fmt.Printf("Name:  %s\n", st.User.Name)
		fmt.Printf("Type:  %s\n", st.User.UserType)
		if st.GuideProfile != nil {
			fmt.Printf("Guide: %s, %s\n", st.GuideProfile.Name, st.GuideProfile.City)
		}
		return nil
	},
}

// ── users ────────────────────────────────────────────────────────────────────

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts (admin only)",
}

var (
	listLimit  int
	listOffset int
)

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var users []*model.User
		if err := call("admin.users", api.ListUsersInput{Limit: listLimit, Offset: listOffset}, &users); err != nil {
			return err
		}
		if format == "json" {
			return printJSON(users)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tNAME\tTYPE\tCREATED")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, u.UserType, u.CreatedAt.Format(time.DateOnly))
		}
		return w.Flush()
	},
}

var createParams authadmin.SignupParams

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a confirmed account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if createParams.Password == "" {
			createParams.Password = os.Getenv("GG_NEW_PASSWORD")
		}
		var u model.User
		if err := call("admin.createUser", createParams, &u); err != nil {
			return err
		}
		fmt.Printf("✓ Created %s (%s)\n  ID: %s\n", u.Email, u.UserType, u.ID)
		return nil
	},
}

var usersSetTypeCmd = &cobra.Command{
	Use:   "set-type <user-id> <tourist|guide|admin>",
	Short: "Change an account's user type",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := model.ParseUserType(args[1])
		if err != nil {
			return err
		}
		var u model.User
		if err := call("admin.setUserType", map[string]string{"user_id": args[0], "user_type": string(t)}, &u); err != nil {
			return err
		}
		fmt.Printf("✓ %s is now %s\n", u.Email, u.UserType)
		return nil
	},
}

var usersRolesCmd = &cobra.Command{
	Use:   "roles <user-id>",
	Short: "Report whether an account is a guide and whether it is an admin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r api.Roles
		if err := call("admin.roles", map[string]string{"user_id": args[0]}, &r); err != nil {
			return err
		}
		if format == "json" {
			return printJSON(r)
		}
		fmt.Printf("Guide: %t\nAdmin: %t\n", r.IsGuide, r.IsAdmin)
		return nil
	},
}

func init() {
	usersListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	usersListCmd.Flags().IntVar(&listOffset, "offset", 0, "rows to skip")

	usersCreateCmd.Flags().StringVar(&createParams.Email, "email", "", "account email")
	usersCreateCmd.Flags().StringVar(&createParams.Name, "name", "", "display name")
	usersCreateCmd.Flags().StringVar(&createParams.Password, "password", "", "initial password (default GG_NEW_PASSWORD)")
	usersCreateCmd.Flags().StringVar((*string)(&createParams.UserType), "type", "tourist", "tourist, guide or admin")
	_ = usersCreateCmd.MarkFlagRequired("email")
	_ = usersCreateCmd.MarkFlagRequired("name")

	usersCmd.AddCommand(usersListCmd, usersCreateCmd, usersSetTypeCmd, usersRolesCmd)
}

// ── plans ────────────────────────────────────────────────────────────────────

var plansAudience string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List subscription plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		var plans []model.Plan
		if err := call("billing.plans", api.PlansInput{Audience: model.UserType(plansAudience)}, &plans); err != nil {
			return err
		}
		if format == "json" {
			return printJSON(plans)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tFOR\tPRICE")
		for _, p := range plans {
			price := "free"
			if !p.Free() {
				price = fmt.Sprintf("%d.%02d %s/%s", p.PriceCents/100, p.PriceCents%100, p.Currency, p.Interval)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Audience, price)
		}
		return w.Flush()
	},
}

func init() {
	plansCmd.Flags().StringVar(&plansAudience, "for", "", "only plans for tourist or guide")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ggctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ggctl %s\n", version)
	},
}
