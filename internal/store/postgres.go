package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/snowflake"
)

// Schema 数据库结构，participant_a < participant_b 由应用层保证
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	preferred_language TEXT NOT NULL DEFAULT 'en',
	avatar             TEXT NOT NULL DEFAULT '',
	is_verified        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS conversations (
	id                 BIGINT PRIMARY KEY,
	participant_a      TEXT NOT NULL,
	participant_b      TEXT NOT NULL,
	last_message_id    BIGINT NOT NULL DEFAULT 0,
	last_activity_time TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	CONSTRAINT conversations_pair_unique UNIQUE (participant_a, participant_b),
	CONSTRAINT conversations_pair_distinct CHECK (participant_a < participant_b)
);

CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations (participant_b);

CREATE TABLE IF NOT EXISTS messages (
	id              BIGINT PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations (id),
	sender_id       TEXT NOT NULL,
	text            TEXT NOT NULL,
	sender_language TEXT NOT NULL,
	message_type    TEXT NOT NULL DEFAULT 'text',
	created_at      TIMESTAMPTZ NOT NULL,
	is_delivered    BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at    TIMESTAMPTZ,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE,
	read_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id);
`

// Postgres PostgreSQL 存储
type Postgres struct {
	db    *pgxpool.Pool
	idGen *snowflake.Node
}

// Connect 连接 PostgreSQL
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// NewPostgres 创建 PostgreSQL 存储
func NewPostgres(db *pgxpool.Pool, idGen *snowflake.Node) *Postgres {
	return &Postgres{db: db, idGen: idGen}
}

// Migrate 创建表结构，并让 ID 生成器越过已持久化的最大 ID
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return err
	}

	var maxID int64
	query := `
		SELECT GREATEST(
			(SELECT COALESCE(MAX(id), 0) FROM messages),
			(SELECT COALESCE(MAX(id), 0) FROM conversations))`
	if err := p.db.QueryRow(ctx, query).Scan(&maxID); err != nil {
		return fmt.Errorf("load max id: %w", err)
	}
	p.idGen.Observe(snowflake.ID(maxID))
	return nil
}

func (p *Postgres) FindIdentity(ctx context.Context, id string) (*model.Identity, error) {
	query := `
		SELECT id, name, preferred_language, avatar, is_verified
		FROM identities WHERE id = $1
	`

	var identity model.Identity
	err := p.db.QueryRow(ctx, query, id).Scan(
		&identity.ID,
		&identity.Name,
		&identity.PreferredLanguage,
		&identity.Avatar,
		&identity.IsVerified,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

func (p *Postgres) SaveIdentity(ctx context.Context, identity *model.Identity) error {
	query := `
		INSERT INTO identities (id, name, preferred_language, avatar, is_verified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			preferred_language = EXCLUDED.preferred_language,
			avatar = EXCLUDED.avatar,
			is_verified = EXCLUDED.is_verified
	`
	_, err := p.db.Exec(ctx, query,
		identity.ID,
		identity.Name,
		identity.PreferredLanguage,
		identity.Avatar,
		identity.IsVerified,
	)
	return err
}

const conversationColumns = `id, participant_a, participant_b, last_message_id, last_activity_time, created_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var conv model.Conversation
	err := row.Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.LastMessageID,
		&conv.LastActivityTime,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateOrGetConversation 依赖唯一约束：冲突时不插入，再按参与者对读取
func (p *Postgres) CreateOrGetConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	lo, hi := model.OrderedPair(a, b)
	now := time.Now()

	insert := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
		RETURNING ` + conversationColumns

	conv, err := scanConversation(p.db.QueryRow(ctx, insert, p.idGen.Generate().Int64(), lo, hi, now))
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	selectPair := `SELECT ` + conversationColumns + ` FROM conversations WHERE participant_a = $1 AND participant_b = $2`
	conv, err = scanConversation(p.db.QueryRow(ctx, selectPair, lo, hi))
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

func (p *Postgres) FindConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(p.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_activity_time DESC
	`
	rows, err := p.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (p *Postgres) TouchConversation(ctx context.Context, conversationID, lastMessageID int64, at time.Time) error {
	query := `
		UPDATE conversations SET last_message_id = $2, last_activity_time = $3
		WHERE id = $1 AND last_message_id < $2
	`
	_, err := p.db.Exec(ctx, query, conversationID, lastMessageID, at)
	return err
}

const messageColumns = `id, conversation_id, sender_id, text, sender_language, message_type, created_at, is_delivered, delivered_at, is_read, read_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var msg model.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Text,
		&msg.SenderLanguage,
		&msg.MessageType,
		&msg.CreatedAt,
		&msg.IsDelivered,
		&msg.DeliveredAt,
		&msg.IsRead,
		&msg.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, in *model.NewMessage) (*model.Message, error) {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, text, sender_language, message_type, created_at, is_delivered, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + messageColumns

	now := time.Now()
	var deliveredAt *time.Time
	if in.IsDelivered {
		deliveredAt = &now
	}

	return scanMessage(p.db.QueryRow(ctx, query,
		p.idGen.Generate().Int64(),
		in.ConversationID,
		in.SenderID,
		in.Text,
		in.SenderLanguage,
		string(in.MessageType),
		now,
		in.IsDelivered,
		deliveredAt,
	))
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2
			) recent ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (p *Postgres) MarkDelivered(ctx context.Context, conversationID int64, excludingSender string, at time.Time) (int64, error) {
	query := `
		UPDATE messages SET is_delivered = TRUE, delivered_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_delivered
	`
	tag, err := p.db.Exec(ctx, query, conversationID, excludingSender, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) MarkRead(ctx context.Context, conversationID int64, excludingSender string, at time.Time) (int64, error) {
	query := `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
	`
	tag, err := p.db.Exec(ctx, query, conversationID, excludingSender, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Close() {
	p.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
