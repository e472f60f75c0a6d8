package storage

import (
	"context"
	"fmt"
	"sort"

	"channelctl/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ImportSummary counts the rows written by ImportJSON. Rows that already
// existed in Postgres are skipped and not counted.
type ImportSummary struct {
	Channels      int
	Messages      int
	StatisticRows int
}

// ImportJSON copies the JSON document at path into Postgres in a single
// transaction. Existing channels keep their local ids.
func (g *PostgresGateway) ImportJSON(ctx context.Context, path string) (ImportSummary, error) {
	data, err := loadDatasetFile(path)
	if err != nil {
		return ImportSummary{}, err
	}
	return g.importDataset(ctx, data)
}

func (g *PostgresGateway) importDataset(ctx context.Context, data dataset) (ImportSummary, error) {
	var summary ImportSummary
	err := g.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return unavailable("begin import transaction", err)
		}
		defer rollbackTx(ctx, tx)

		if summary.Channels, err = importChannels(ctx, tx, data); err != nil {
			return err
		}
		if summary.Messages, err = importMessages(ctx, tx, data.Messages); err != nil {
			return err
		}
		if summary.StatisticRows, err = importStatistics(ctx, tx, data.Statistics); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return classifyWrite("commit import", err)
		}
		return nil
	})
	if err != nil {
		return ImportSummary{}, err
	}
	return summary, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func importChannels(ctx context.Context, tx pgx.Tx, data dataset) (int, error) {
	imported := 0
	highest := data.LocalChannelIDSeq
	for _, channelID := range sortedKeys(data.Channels) {
		localID := data.Channels[channelID]
		if localID > highest {
			highest = localID
		}
		tag, err := tx.Exec(ctx, "INSERT INTO channels (channel_id, local_channel_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", channelID, localID)
		if err != nil {
			return 0, classifyWrite(fmt.Sprintf("insert channel %s", channelID), err)
		}
		imported += int(tag.RowsAffected())
	}
	if highest > 0 {
		_, err := tx.Exec(ctx, `
INSERT INTO channel_id_sequence (singleton, high_water_mark) VALUES (TRUE, $1)
ON CONFLICT (singleton) DO UPDATE SET high_water_mark = GREATEST(channel_id_sequence.high_water_mark, EXCLUDED.high_water_mark)
`, highest)
		if err != nil {
			return 0, classifyWrite("advance channel id sequence", err)
		}
	}
	return imported, nil
}

func importMessages(ctx context.Context, tx pgx.Tx, messages map[string][]Message) (int, error) {
	imported := 0
	for _, channelID := range sortedKeys(messages) {
		for _, message := range messages[channelID] {
			tag, err := tx.Exec(ctx, "INSERT INTO messages (local_channel_id, message_id, server_id, received_at) VALUES ("+localIDSubquery+", $2, $3, $4) ON CONFLICT DO NOTHING", channelID, message.ID, message.ServerID, message.ReceivedAt.UTC())
			if err != nil {
				return 0, classifyWrite(fmt.Sprintf("insert message %s/%d", channelID, message.ID), err)
			}
			imported += int(tag.RowsAffected())
		}
	}
	return imported, nil
}

func importStatistics(ctx context.Context, tx pgx.Tx, statistics map[string]map[string]connectorRows) (int, error) {
	imported := 0
	for _, channelID := range sortedKeys(statistics) {
		servers := statistics[channelID]
		for _, serverID := range sortedKeys(servers) {
			for metaDataID, row := range servers[serverID] {
				tag, err := tx.Exec(ctx, `
INSERT INTO message_statistics (local_channel_id, metadata_id, server_id,
        received, received_lifetime, filtered, filtered_lifetime,
        sent, sent_lifetime, error, error_lifetime)
VALUES (`+localIDSubquery+`, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT DO NOTHING`,
					channelID, int(metaDataID), serverID,
					row.Current[models.StatusReceived], row.Lifetime[models.StatusReceived],
					row.Current[models.StatusFiltered], row.Lifetime[models.StatusFiltered],
					row.Current[models.StatusSent], row.Lifetime[models.StatusSent],
					row.Current[models.StatusError], row.Lifetime[models.StatusError],
				)
				if err != nil {
					return 0, classifyWrite(fmt.Sprintf("insert statistics %s/%d", channelID, metaDataID), err)
				}
				imported += int(tag.RowsAffected())
			}
		}
	}
	return imported, nil
}
