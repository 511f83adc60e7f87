package mysql

import "fmt"

const ledgerSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	event_type VARCHAR(64) NOT NULL,
	event_key VARCHAR(128) NOT NULL DEFAULT '',
	exchange_name VARCHAR(255) NOT NULL,
	routing_key VARCHAR(255) NOT NULL,
	message_id VARCHAR(64) NOT NULL,
	content_type VARCHAR(128) NOT NULL DEFAULT 'application/json',
	payload %s NOT NULL,
	event_ts TIMESTAMP(6) NULL,
	publish_attempts INT NOT NULL DEFAULT 0,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	processed_at TIMESTAMP(6) NULL,
	created_ts BIGINT GENERATED ALWAYS AS (CONV(SUBSTR(HEX(id), 1, 12), 16, 10) DIV 1000) STORED,
	PRIMARY KEY (id),
	INDEX idx_status_id (status, id),
	INDEX idx_status_created_ts (status, created_ts)
);`

const newsSchemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	nickname VARCHAR(64) NOT NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_nickname (nickname)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	title VARCHAR(255) NOT NULL,
	text TEXT NOT NULL,
	image_url VARCHAR(1024) NULL,
	author_id BIGINT NOT NULL,
	creation_date TIMESTAMP(6) NOT NULL,
	update_date TIMESTAMP(6) NULL,
	PRIMARY KEY (id),
	CONSTRAINT fk_%[4]s_author FOREIGN KEY (author_id) REFERENCES %[1]s (id)
);
CREATE TABLE IF NOT EXISTS %[3]s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	text TEXT NOT NULL,
	author_id BIGINT NOT NULL,
	news_id BIGINT NOT NULL,
	parent_comment_id BIGINT NULL,
	creation_date TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (id),
	INDEX idx_news_id (news_id),
	CONSTRAINT fk_%[5]s_author FOREIGN KEY (author_id) REFERENCES %[1]s (id),
	CONSTRAINT fk_%[5]s_news FOREIGN KEY (news_id) REFERENCES %[2]s (id),
	CONSTRAINT fk_%[5]s_parent FOREIGN KEY (parent_comment_id) REFERENCES %[3]s (id)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
)

// Schema returns the ledger schema with a JSON payload column.
func Schema(table string) (string, error) {
	return buildSchema(table, payloadJSON)
}

// SchemaBinary returns the ledger schema with a LONGBLOB payload column.
func SchemaBinary(table string) (string, error) {
	return buildSchema(table, payloadBinary)
}

// NewsSchema returns the authors, news and comments tables for the given table prefix.
// The statements are separated by semicolons and need multiStatements=true.
func NewsSchema(prefix string) (string, error) {
	tables, err := newNewsTables(prefix)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(newsSchemaTemplate, tables.authors, tables.news, tables.comments,
		constraintName(tables.news), constraintName(tables.comments)), nil
}

func buildSchema(table, payloadType string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(ledgerSchemaTemplate, name, payloadType), nil
}
