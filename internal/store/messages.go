package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/signal"
)

// MessageRow is the result of persisting one Signal message.
type MessageRow struct {
	MessageID     int64
	AttachmentIDs []int64
}

// UpsertSender inserts or refreshes a sender row keyed on the Signal
// UUID. Existing non-null number and name survive a null update
// (COALESCE semantics); last_seen is always touched.
func (s *Store) UpsertSender(ctx context.Context, contact signal.Contact) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		id, txErr = upsertSender(ctx, tx, contact)
		return txErr
	})
	return id, err
}

func upsertSender(ctx context.Context, tx pgx.Tx, contact signal.Contact) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO signal_sender (signal_uuid, phone_number, contact_name, last_seen)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (signal_uuid)
		DO UPDATE SET
			phone_number = COALESCE(EXCLUDED.phone_number, signal_sender.phone_number),
			contact_name = COALESCE(EXCLUDED.contact_name, signal_sender.contact_name),
			last_seen = CURRENT_TIMESTAMP
		RETURNING sender_id
	`, contact.UUID, nullable(contact.Number), nullable(contact.Name)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert sender: %w", err)
	}
	return id, nil
}

// UpsertGroup inserts or renames a group row keyed on the opaque Signal
// group id.
func (s *Store) UpsertGroup(ctx context.Context, group signal.Group) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		id, txErr = upsertGroup(ctx, tx, group)
		return txErr
	})
	return id, err
}

func upsertGroup(ctx context.Context, tx pgx.Tx, group signal.Group) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO signal_group (signal_group_id, group_name)
		VALUES ($1, $2)
		ON CONFLICT (signal_group_id)
		DO UPDATE SET group_name = EXCLUDED.group_name
		RETURNING group_id
	`, group.ID, group.Name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert group: %w", err)
	}
	return id, nil
}

// InsertMessage persists a Signal message with its attachments and the
// message↔attachment mapping, resolving sender and group via upserts.
// A duplicate (sender, timestamp) is an idempotence hit: the existing
// row and its attachment ids are returned instead of an error.
func (s *Store) InsertMessage(ctx context.Context, msg signal.Message) (MessageRow, error) {
	var row MessageRow

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var senderID *int64
		if msg.Sender.UUID != "" {
			id, err := upsertSender(ctx, tx, msg.Sender)
			if err != nil {
				return err
			}
			senderID = &id
		}

		var groupID *int64
		if msg.IsGroupMessage && msg.Group != nil {
			id, err := upsertGroup(ctx, tx, *msg.Group)
			if err != nil {
				return err
			}
			groupID = &id
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO signal_message (
				sender_id, group_id, timestamp, text_content,
				is_group_message, signal_account
			)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING message_id
		`, senderID, groupID, msg.Timestamp, nullable(msg.Text),
			msg.IsGroupMessage, msg.Account).Scan(&row.MessageID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for _, att := range msg.Attachments {
			var attID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO attachment (
					signal_attachment_id, content_type,
					filename, file_size, upload_timestamp_ms, file_path
				)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (signal_attachment_id)
				DO UPDATE SET file_path = COALESCE(EXCLUDED.file_path, attachment.file_path)
				RETURNING attachment_id
			`, att.ID, att.ContentType, att.Filename, att.Size,
				att.UploadTimestamp, nullable(att.Path)).Scan(&attID)
			if err != nil {
				return fmt.Errorf("insert attachment %s: %w", att.ID, err)
			}
			row.AttachmentIDs = append(row.AttachmentIDs, attID)

			if _, err := tx.Exec(ctx, `
				INSERT INTO message_attachment_mapping (message_id, attachment_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, row.MessageID, attID); err != nil {
				return fmt.Errorf("map attachment %s: %w", att.ID, err)
			}
		}

		return nil
	})

	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.findMessage(ctx, msg.Sender.UUID, msg.Timestamp)
			if lookupErr == nil {
				s.logger.Info("message already persisted, reusing row",
					"message_id", existing.MessageID,
					"sender_uuid", msg.Sender.UUID,
				)
				return existing, nil
			}
			err = fmt.Errorf("%w (idempotence lookup also failed: %v)", err, lookupErr)
		}
		return MessageRow{}, errkind.Wrap(errkind.DBInsertMessage, err)
	}

	s.logger.Info("message persisted",
		"message_id", row.MessageID,
		"attachments", len(row.AttachmentIDs),
	)
	return row, nil
}

// findMessage resolves an already-persisted message and its attachment
// ids by the (sender uuid, timestamp) natural key.
func (s *Store) findMessage(ctx context.Context, senderUUID string, ts time.Time) (MessageRow, error) {
	var row MessageRow
	err := s.db.QueryRow(ctx, `
		SELECT m.message_id
		FROM signal_message m
		JOIN signal_sender s ON m.sender_id = s.sender_id
		WHERE m.timestamp = $1 AND s.signal_uuid = $2
	`, ts, senderUUID).Scan(&row.MessageID)
	if err != nil {
		return MessageRow{}, fmt.Errorf("find message: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT attachment_id FROM message_attachment_mapping WHERE message_id = $1
	`, row.MessageID)
	if err != nil {
		return MessageRow{}, fmt.Errorf("find message attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return MessageRow{}, err
		}
		row.AttachmentIDs = append(row.AttachmentIDs, id)
	}
	return row, rows.Err()
}

// MessageExists reports whether a message with the given sender UUID
// and timestamp is already persisted. The sensor uses this for
// deduplication before emitting a job.
func (s *Store) MessageExists(ctx context.Context, senderUUID string, ts time.Time) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM signal_message m
		JOIN signal_sender s ON m.sender_id = s.sender_id
		WHERE m.timestamp = $1 AND s.signal_uuid = $2
	`, ts, senderUUID).Scan(&count)
	if err != nil {
		return false, errkind.Wrap(errkind.DBConnect, fmt.Errorf("message exists: %w", err))
	}
	return count > 0, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
