package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/session"
)

var errNotLoggedIn = errors.New("not logged in; run `chatify login` first")

var (
	flagAvatar string
	flagGuest  bool
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Register a name with the backend, or a guest identity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			var u model.User
			var err error
			if flagGuest || len(args) == 0 {
				u, err = s.LoginAsGuest(ctx)
			} else {
				u, err = s.Login(ctx, args[0], flagAvatar)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", cleanName(u.Name), u.UID)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the local identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			if _, ok := s.User(); !ok {
				return errNotLoggedIn
			}
			return s.Logout()
		})
	},
}

var (
	flagRename string
	flagSetAv  string
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show or update the current identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			u, ok := s.User()
			if !ok {
				return errNotLoggedIn
			}
			if flagRename != "" || flagSetAv != "" {
				var err error
				if u, err = s.UpdateProfile(ctx, flagRename, flagSetAv); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n  uid:    %s\n  avatar: %s\n", cleanName(u.Name), u.UID, u.Avatar)
			if flagHourlyReset {
				fmt.Fprintf(out, "  resets in %s\n", s.ResetIn().Round(time.Second))
			}
			return nil
		})
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			list, err := s.Channels(ctx)
			if err != nil {
				return err
			}
			for _, ch := range list {
				mark := ""
				if ch.IsReadOnly {
					mark = " (read-only)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%-20s %s%s\n", ch.ID, cleanName(ch.Name), mark)
			}
			return nil
		})
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List recently active users",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			users, err := s.Users(ctx)
			if err != nil {
				return err
			}
			printUsers(cmd, s, users)
			return nil
		})
	},
}

var (
	flagTheme   string
	flagFont    string
	flagSounds  bool
	flagBlur    bool
	flagStealth bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change local preferences",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			patch := settingsPatch(cmd)
			settings := s.Settings()
			if patch != (model.SettingsPatch{}) {
				var err error
				if settings, err = s.UpdateSettings(patch); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "theme:        %s\nfont size:    %s (%dpx)\nsounds:       %t\nprivacy blur: %t\nstealth mode: %t\n",
				settings.Theme, settings.FontSize, settings.FontPixels(), settings.Sounds, settings.PrivacyBlur, settings.StealthMode)
			return nil
		})
	},
}

// settingsPatch collects only the flags the user actually set.
func settingsPatch(cmd *cobra.Command) model.SettingsPatch {
	var p model.SettingsPatch
	flags := cmd.Flags()
	if flags.Changed("theme") {
		p.Theme = &flagTheme
	}
	if flags.Changed("font-size") {
		p.FontSize = &flagFont
	}
	if flags.Changed("sounds") {
		p.Sounds = &flagSounds
	}
	if flags.Changed("privacy-blur") {
		p.PrivacyBlur = &flagBlur
	}
	if flags.Changed("stealth") {
		p.StealthMode = &flagStealth
	}
	return p
}

var trustCmd = &cobra.Command{
	Use:   "trust <uid>",
	Short: "Toggle whether media from a user is shown unblurred",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			trusted, err := s.ToggleTrust(args[0])
			if err != nil {
				return err
			}
			verb := "no longer trusted"
			if trusted {
				verb = "trusted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", args[0], verb)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the backend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			if !s.Health(ctx) {
				return fmt.Errorf("%s is not answering", flagServerURL)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is online\n", flagServerURL)
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVar(&flagAvatar, "avatar", "", "avatar URL (generated when empty)")
	loginCmd.Flags().BoolVar(&flagGuest, "guest", false, "log in with a generated guest name")

	whoamiCmd.Flags().StringVar(&flagRename, "name", "", "change the display name")
	whoamiCmd.Flags().StringVar(&flagSetAv, "avatar", "", "change the avatar URL")

	f := settingsCmd.Flags()
	f.StringVar(&flagTheme, "theme", model.ThemeOnyx, "theme: onyx or pearl")
	f.StringVar(&flagFont, "font-size", model.FontMedium, "font size: small, medium or large")
	f.BoolVar(&flagSounds, "sounds", true, "play notification sounds")
	f.BoolVar(&flagBlur, "privacy-blur", true, "hide media from untrusted users")
	f.BoolVar(&flagStealth, "stealth", false, "stealth mode")
}

// withSession runs fn against a session that is closed afterwards. One-shot
// commands never need the socket, but a stored identity starts it anyway.
func withSession(fn func(ctx context.Context, s *session.Session) error) error {
	s, closeAll, err := openSession(nil)
	if err != nil {
		return err
	}
	defer closeAll()
	ctx, cancel := context.WithTimeout(context.Background(), flagRequestTimeout+5*time.Second)
	defer cancel()
	return fn(ctx, s)
}

func printUsers(cmd *cobra.Command, s *session.Session, users []model.User) {
	self, _ := s.User()
	out := cmd.OutOrStdout()
	if len(users) == 0 {
		fmt.Fprintln(out, "nobody around")
		return
	}
	for _, u := range users {
		mark := ""
		if u.UID == self.UID {
			mark = " (you)"
		}
		fmt.Fprintf(out, "%-24s %s%s\n", cleanName(u.Name), u.UID, mark)
	}
}
