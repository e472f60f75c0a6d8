package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"channelctl/internal/controller"
	"channelctl/internal/models"
)

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// parseFlags reports every parse failure as a usage error; the flag package
// has already printed the details.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func (a *app) print(v any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// channelArg parses a subcommand that takes exactly one channel id.
func (a *app) channelArg(name string, args []string) (string, error) {
	fs := a.flagSet(name)
	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(a.stderr, "usage: channelctl %s <channel-id>\n", name)
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func (a *app) noArgs(name string, args []string) error {
	fs := a.flagSet(name)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(a.stderr, "usage: channelctl %s\n", name)
		return errUsage
	}
	return nil
}

type channelResult struct {
	ChannelID      string `json:"channelId"`
	LocalChannelID int64  `json:"localChannelId,omitempty"`
	Exists         *bool  `json:"exists,omitempty"`
	Found          *bool  `json:"found,omitempty"`
	Removed        bool   `json:"removed,omitempty"`
	Purged         bool   `json:"purged,omitempty"`
}

func cmdID(ctx context.Context, a *app, args []string) error {
	channelID, err := a.channelArg("id", args)
	if err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	id, err := ctrl.GetOrCreate(ctx, channelID)
	if err != nil {
		return err
	}
	return a.print(channelResult{ChannelID: channelID, LocalChannelID: id})
}

func cmdExists(ctx context.Context, a *app, args []string) error {
	channelID, err := a.channelArg("exists", args)
	if err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	exists, err := ctrl.Exists(ctx, channelID)
	if err != nil {
		return err
	}
	return a.print(channelResult{ChannelID: channelID, Exists: &exists})
}

func cmdLookup(ctx context.Context, a *app, args []string) error {
	channelID, err := a.channelArg("lookup", args)
	if err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	id, found, err := ctrl.Lookup(ctx, channelID)
	if err != nil {
		return err
	}
	return a.print(channelResult{ChannelID: channelID, LocalChannelID: id, Found: &found})
}

func cmdList(ctx context.Context, a *app, args []string) error {
	if err := a.noArgs("list", args); err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	identities, err := ctrl.Identities(ctx)
	if err != nil {
		return err
	}
	if identities == nil {
		identities = []models.ChannelIdentity{}
	}
	return a.print(identities)
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	channelID, err := a.channelArg("remove", args)
	if err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	if err := ctrl.Remove(ctx, channelID); err != nil {
		return err
	}
	return a.print(channelResult{ChannelID: channelID, Removed: true})
}

func cmdPurge(ctx context.Context, a *app, args []string) error {
	channelID, err := a.channelArg("purge", args)
	if err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	if err := ctrl.DeleteAllMessages(ctx, channelID); err != nil {
		return err
	}
	return a.print(channelResult{ChannelID: channelID, Purged: true})
}

type statsResult struct {
	Kind       string            `json:"kind"`
	LoadedAt   time.Time         `json:"loadedAt"`
	Statistics models.Statistics `json:"statistics"`
}

func cmdStats(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("stats")
	kind := fs.String("kind", "current", "statistics to print (current or total)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *kind != "current" && *kind != "total" {
		fmt.Fprintf(a.stderr, "unknown statistics kind %q\n", *kind)
		return errUsage
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	if err := ctrl.ReloadStatistics(ctx, a.cfg.ServerID); err != nil {
		return err
	}
	pair, _ := ctrl.StatisticsSnapshot()
	snapshot := pair.Current
	if *kind == "total" {
		snapshot = pair.Total
	}
	return a.print(statsResult{Kind: *kind, LoadedAt: pair.LoadedAt, Statistics: snapshot})
}

// groupingFlag collects repeated -channel id[:metaDataId,...] values.
type groupingFlag controller.Grouping

func (g *groupingFlag) String() string {
	if g == nil || len(*g) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*g))
	for channelID, ids := range *g {
		if len(ids) == 0 {
			parts = append(parts, channelID)
			continue
		}
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = strconv.Itoa(int(id))
		}
		parts = append(parts, channelID+":"+strings.Join(strs, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// Set records one -channel value. A bare channel id, or one with an empty
// connector list, selects every connector of that channel.
func (g *groupingFlag) Set(value string) error {
	channelID, connectors := value, ""
	if idx := strings.LastIndex(value, ":"); idx >= 0 {
		channelID, connectors = value[:idx], value[idx+1:]
	}
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("invalid channel %q, expected id[:metaDataId,...]", value)
	}
	if *g == nil {
		*g = make(groupingFlag)
	}
	var ids []models.MetaDataID
	for _, raw := range strings.Split(connectors, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid metadata id %q in %q", raw, value)
		}
		ids = append(ids, models.MetaDataID(id))
	}
	if len(ids) == 0 {
		ids = []models.MetaDataID{models.AllConnectors}
	}
	(*g)[channelID] = append((*g)[channelID], ids...)
	return nil
}

// statusFlag collects repeated or comma separated -status values.
type statusFlag []models.Status

func (s *statusFlag) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, len(*s))
	for i, status := range *s {
		parts[i] = string(status)
	}
	return strings.Join(parts, ",")
}

func (s *statusFlag) Set(value string) error {
	for _, raw := range splitList(value) {
		status, err := models.ParseStatus(raw)
		if err != nil {
			return err
		}
		*s = append(*s, status)
	}
	return nil
}

func cmdReset(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("reset")
	var grouping groupingFlag
	var statuses statusFlag
	fs.Var(&grouping, "channel", "channel to reset, optionally restricted to connectors (id[:metaDataId,...]); repeatable")
	fs.Var(&statuses, "status", "status counters to reset (RECEIVED, FILTERED, SENT, ERROR); repeatable or comma separated")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if len(grouping) == 0 || len(statuses) == 0 || fs.NArg() != 0 {
		fmt.Fprintln(a.stderr, "usage: channelctl reset -channel id[:metaDataId,...] -status STATUS")
		return errUsage
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	if err := ctrl.ResetStatistics(ctx, controller.Grouping(grouping), statuses); err != nil {
		return err
	}
	return a.print(map[string]any{"reset": true, "channels": len(grouping)})
}

func cmdResetAll(ctx context.Context, a *app, args []string) error {
	if err := a.noArgs("reset-all", args); err != nil {
		return err
	}
	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	if err := ctrl.ResetAllStatistics(ctx); err != nil {
		return err
	}
	return a.print(map[string]any{"reset": true})
}

func cmdMigrate(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("migrate")
	dir := fs.String("dir", "deploy/migrations", "directory holding the *.sql migrations")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	gateway, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	applied, err := gateway.Migrate(ctx, *dir)
	if err != nil {
		return err
	}
	if applied == nil {
		applied = []string{}
	}
	return a.print(map[string]any{"applied": applied})
}

func cmdImportJSON(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("import-json")
	path := fs.String("json", "data/channels.json", "path to the JSON datastore to import")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	gateway, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	summary, err := gateway.ImportJSON(ctx, *path)
	if err != nil {
		return err
	}
	a.logger.Info("import completed", "path", *path, "channels", summary.Channels, "messages", summary.Messages, "statistic_rows", summary.StatisticRows)
	return a.print(map[string]int{
		"channels":      summary.Channels,
		"messages":      summary.Messages,
		"statisticRows": summary.StatisticRows,
	})
}
