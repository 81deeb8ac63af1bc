package database

// CoreSchema is the single source of truth for the relational schema holding
// user, configuration and event tables. Applied idempotently at startup.
const CoreSchema = `
CREATE TABLE IF NOT EXISTS users (
    user_id                   TEXT PRIMARY KEY,
    username                  TEXT NOT NULL,
    phone_number              TEXT NOT NULL UNIQUE,
    news_similarity_threshold REAL NOT NULL DEFAULT 0.7,
    news_impact_threshold     REAL NOT NULL DEFAULT 0.8,
    created_at                INTEGER NOT NULL,
    updated_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_stocks (
    user_id    TEXT NOT NULL,
    stock_code TEXT NOT NULL,
    stock_name TEXT NOT NULL DEFAULT '',
    enabled    INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (user_id, stock_code),
    FOREIGN KEY (user_id) REFERENCES users(user_id)
);

CREATE TABLE IF NOT EXISTS user_models (
    user_id    TEXT PRIMARY KEY,
    model_tag  TEXT NOT NULL DEFAULT 'hyperclova',
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(user_id)
);

CREATE TABLE IF NOT EXISTS user_services (
    user_id    TEXT PRIMARY KEY,
    news       INTEGER NOT NULL DEFAULT 1,
    disclosure INTEGER NOT NULL DEFAULT 1,
    chart      INTEGER NOT NULL DEFAULT 1,
    report     INTEGER NOT NULL DEFAULT 1,
    flow       INTEGER NOT NULL DEFAULT 1,
    FOREIGN KEY (user_id) REFERENCES users(user_id)
);

CREATE TABLE IF NOT EXISTS eod_flows (
    trade_date     TEXT NOT NULL,
    ticker         TEXT NOT NULL,
    inst_net       REAL NOT NULL,
    foreign_net    REAL NOT NULL,
    individual_net REAL NOT NULL,
    total_value    REAL NOT NULL,
    close          REAL NOT NULL,
    volume         INTEGER NOT NULL,
    PRIMARY KEY (trade_date, ticker)
);

CREATE TABLE IF NOT EXISTS program_flows (
    ts           INTEGER NOT NULL,
    ticker       TEXT NOT NULL,
    net_volume   INTEGER NOT NULL,
    net_value    REAL NOT NULL,
    side         TEXT NOT NULL,
    price        REAL NOT NULL,
    total_volume INTEGER NOT NULL,
    PRIMARY KEY (ts, ticker)
);

CREATE TABLE IF NOT EXISTS pattern_signals (
    ref_time          INTEGER NOT NULL,
    ticker            TEXT NOT NULL,
    daily_inst_strong INTEGER NOT NULL,
    rt_prog_strong    INTEGER NOT NULL,
    inst_buy_days     INTEGER NOT NULL,
    prog_volume       INTEGER NOT NULL,
    prog_ratio        REAL NOT NULL,
    triggers          TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (ref_time, ticker)
);

CREATE TABLE IF NOT EXISTS chart_hits (
    stock_code TEXT NOT NULL,
    date       TEXT NOT NULL,
    time       TEXT NOT NULL,
    close      REAL NOT NULL,
    volume     INTEGER NOT NULL,
    conditions TEXT NOT NULL DEFAULT '{}',
    details    TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (stock_code, date, time)
);

CREATE TABLE IF NOT EXISTS news (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    stock_code   TEXT NOT NULL,
    title        TEXT NOT NULL,
    content      TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL,
    source       TEXT NOT NULL DEFAULT '',
    published_at INTEGER NOT NULL,
    impact_score REAL NOT NULL DEFAULT 0,
    reasoning    TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_news_url ON news(url, created_at);
CREATE INDEX IF NOT EXISTS idx_news_stock ON news(stock_code, published_at);

CREATE TABLE IF NOT EXISTS disclosures (
    rcept_no        TEXT PRIMARY KEY,
    corp_code       TEXT NOT NULL,
    stock_code      TEXT NOT NULL,
    report_nm       TEXT NOT NULL,
    flr_nm          TEXT NOT NULL DEFAULT '',
    rcept_dt        TEXT NOT NULL,
    rm              TEXT NOT NULL DEFAULT '',
    impact_score    REAL NOT NULL DEFAULT 0,
    sentiment       TEXT NOT NULL DEFAULT '',
    sentiment_reason TEXT NOT NULL DEFAULT '',
    expected_impact TEXT NOT NULL DEFAULT '',
    horizon         TEXT NOT NULL DEFAULT '',
    keywords        TEXT NOT NULL DEFAULT '[]',
    summary         TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_disclosures_stock ON disclosures(stock_code, created_at);

CREATE TABLE IF NOT EXISTS deliveries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    status       TEXT NOT NULL,
    sent_at      INTEGER NOT NULL,
    message_hash TEXT NOT NULL,
    digest       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_digest ON deliveries(user_id, digest, sent_at);

CREATE TABLE IF NOT EXISTS daily_prices (
    stock_code TEXT NOT NULL,
    date       TEXT NOT NULL,
    open       REAL NOT NULL,
    high       REAL NOT NULL,
    low        REAL NOT NULL,
    close      REAL NOT NULL,
    volume     INTEGER NOT NULL,
    PRIMARY KEY (stock_code, date)
);
`

// Migrate applies the core schema.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(CoreSchema)
	return err
}
