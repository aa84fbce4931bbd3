package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/interpsync/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("interpsync setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.SelfID = prompt(scanner, "Your user id", cfg.SelfID)
		cfg.Backend = prompt(scanner, "Backend (memory or postgres)", cfg.Backend)
		if cfg.Backend == "postgres" {
			cfg.Postgres.DSN = prompt(scanner, "Postgres DSN", cfg.Postgres.DSN)
		}
		cfg.Realtime.URL = prompt(scanner, "Realtime URL (optional)", cfg.Realtime.URL)
		if cfg.Realtime.URL != "" {
			cfg.Realtime.APIKey = prompt(scanner, "Realtime API key", cfg.Realtime.APIKey)
		}
		owners := prompt(scanner, "Owners to watch (comma separated)", strings.Join(cfg.WatchOwners, ","))
		cfg.WatchOwners = splitList(owners)
		channels := prompt(scanner, "Channels to open (comma separated)", strings.Join(cfg.Channels, ","))
		cfg.Channels = splitList(channels)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			cfg.Notify.TelegramChatID = prompt(scanner, "Telegram chat id for mentions", cfg.Notify.TelegramChatID)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt shows label with its default and returns the trimmed input, or
// the default when the input is empty.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
