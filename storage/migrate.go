package storage

// Schema for the coordination plane. Applied on startup, idempotent.
// Append-only enforcement lives here, not in application code: audit_logs
// rejects every UPDATE/DELETE, strategy_control_log additionally permits a
// one-time fill of the ack columns on an un-acked row.
const schema = `
CREATE TABLE IF NOT EXISTS trading_sessions (
    id UUID PRIMARY KEY,
    session_date DATE NOT NULL UNIQUE,
    is_killed BOOLEAN NOT NULL DEFAULT FALSE,
    kill_reason VARCHAR(30),
    kill_time TIMESTAMPTZ,
    killed_by VARCHAR(100),
    max_daily_loss NUMERIC(18,2) NOT NULL DEFAULT 10000,
    max_position_size INTEGER NOT NULL DEFAULT 10,
    max_open_positions INTEGER NOT NULL DEFAULT 5,
    max_margin_pct DOUBLE PRECISION NOT NULL DEFAULT 80.0,
    max_lot_size INTEGER NOT NULL DEFAULT 10,
    realized_pnl NUMERIC(18,2) NOT NULL DEFAULT 0,
    unrealized_pnl NUMERIC(18,2) NOT NULL DEFAULT 0,
    total_orders INTEGER NOT NULL DEFAULT 0,
    rejected_orders INTEGER NOT NULL DEFAULT 0,
    reconcile_failure_count INTEGER NOT NULL DEFAULT 0,
    last_reconcile_at TIMESTAMPTZ,
    last_reconcile_status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orders (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES trading_sessions(id),
    idempotency_key VARCHAR(64) NOT NULL UNIQUE,
    strategy_name VARCHAR(100),
    symbol VARCHAR(60) NOT NULL,
    display_symbol VARCHAR(60),
    side VARCHAR(4) NOT NULL,
    order_type VARCHAR(10) NOT NULL,
    product_type VARCHAR(20) NOT NULL DEFAULT 'INTRADAY',
    quantity INTEGER NOT NULL,
    price NUMERIC(18,2) NOT NULL DEFAULT 0,
    trigger_price NUMERIC(18,2) NOT NULL DEFAULT 0,
    validity VARCHAR(10) NOT NULL DEFAULT 'DAY',
    status VARCHAR(20) NOT NULL DEFAULT 'CREATED',
    status_history JSONB NOT NULL DEFAULT '[]',
    broker_order_id VARCHAR(50) UNIQUE,
    filled_qty INTEGER NOT NULL DEFAULT 0,
    avg_fill_price NUMERIC(18,2) NOT NULL DEFAULT 0,
    filled_at TIMESTAMPTZ,
    reject_reason TEXT,
    broker_reject_code VARCHAR(50),
    risk_snapshot JSONB,
    sent_at TIMESTAMPTZ,
    acked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_orders_session ON orders (session_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders (strategy_name);

CREATE TABLE IF NOT EXISTS positions (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES trading_sessions(id),
    symbol VARCHAR(60) NOT NULL,
    product_type VARCHAR(20) NOT NULL DEFAULT 'INTRADAY',
    net_qty INTEGER NOT NULL DEFAULT 0,
    buy_qty INTEGER NOT NULL DEFAULT 0,
    sell_qty INTEGER NOT NULL DEFAULT 0,
    avg_buy_price NUMERIC(18,2) NOT NULL DEFAULT 0,
    avg_sell_price NUMERIC(18,2) NOT NULL DEFAULT 0,
    ltp NUMERIC(18,2) NOT NULL DEFAULT 0,
    unrealized_pnl NUMERIC(18,2) NOT NULL DEFAULT 0,
    realized_pnl NUMERIC(18,2) NOT NULL DEFAULT 0,
    broker_qty INTEGER NOT NULL DEFAULT 0,
    reconcile_status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
    last_reconciled_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (session_id, symbol, product_type)
);

CREATE TABLE IF NOT EXISTS strategy_states (
    id UUID PRIMARY KEY,
    name VARCHAR(100) NOT NULL UNIQUE,
    symbol VARCHAR(60) NOT NULL,
    strategy_type VARCHAR(50),
    status VARCHAR(10) NOT NULL DEFAULT 'stopped',
    control_intent VARCHAR(10),
    intent_set_at TIMESTAMPTZ,
    intent_acked_at TIMESTAMPTZ,
    intent_actor VARCHAR(100),
    pnl NUMERIC(18,2) NOT NULL DEFAULT 0,
    allocated_capital NUMERIC(18,2) NOT NULL DEFAULT 0,
    open_qty INTEGER NOT NULL DEFAULT 0,
    avg_entry NUMERIC(18,2) NOT NULL DEFAULT 0,
    ltp NUMERIC(18,2) NOT NULL DEFAULT 0,
    win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_trades INTEGER NOT NULL DEFAULT 0,
    winning_trades INTEGER NOT NULL DEFAULT 0,
    net_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
    drawdown_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_drawdown_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    risk_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    direction VARCHAR(10) NOT NULL DEFAULT 'NEUTRAL',
    current_signal VARCHAR(20) NOT NULL DEFAULT 'WAITING',
    error_message VARCHAR(500),
    error_trace TEXT,
    error_count INTEGER NOT NULL DEFAULT 0,
    last_error_at TIMESTAMPTZ,
    last_good_at TIMESTAMPTZ,
    restart_count INTEGER NOT NULL DEFAULT 0,
    auto_restart BOOLEAN NOT NULL DEFAULT TRUE,
    last_trade_at TIMESTAMPTZ,
    last_tick_at TIMESTAMPTZ,
    started_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ss_pending_intent ON strategy_states (intent_set_at)
    WHERE control_intent IS NOT NULL;

CREATE TABLE IF NOT EXISTS strategy_control_log (
    id BIGSERIAL PRIMARY KEY,
    strategy_name VARCHAR(100) NOT NULL,
    action VARCHAR(10) NOT NULL,
    actor VARCHAR(100) NOT NULL,
    ip VARCHAR(45),
    from_status VARCHAR(10),
    to_status VARCHAR(10),
    acked_at TIMESTAMPTZ,
    ack_latency_ms BIGINT,
    notes TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_scl_strategy ON strategy_control_log (strategy_name, created_at);

CREATE TABLE IF NOT EXISTS circuit_breaker_states (
    service_name VARCHAR(50) PRIMARY KEY,
    state VARCHAR(10) NOT NULL DEFAULT 'CLOSED',
    failure_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    last_failure_at TIMESTAMPTZ,
    opened_at TIMESTAMPTZ,
    next_attempt_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS feed_heartbeats (
    feed_name VARCHAR(50) PRIMARY KEY,
    last_tick_at TIMESTAMPTZ,
    symbol_count INTEGER NOT NULL DEFAULT 0,
    is_connected BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reconciliation_log (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status VARCHAR(10) NOT NULL,
    orders_checked INTEGER NOT NULL DEFAULT 0,
    positions_checked INTEGER NOT NULL DEFAULT 0,
    mismatches JSONB NOT NULL DEFAULT '[]',
    corrections JSONB NOT NULL DEFAULT '[]',
    error_message TEXT,
    duration_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recon_run_at ON reconciliation_log (run_at);

CREATE TABLE IF NOT EXISTS audit_logs (
    id BIGSERIAL PRIMARY KEY,
    event_type VARCHAR(50) NOT NULL,
    entity_type VARCHAR(50) NOT NULL,
    entity_id VARCHAR(64),
    actor VARCHAR(100) NOT NULL,
    ip VARCHAR(45),
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_logs (entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_logs (created_at);

CREATE TABLE IF NOT EXISTS resource_metrics (
    id BIGSERIAL PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    rss_mb DOUBLE PRECISION NOT NULL,
    vms_mb DOUBLE PRECISION NOT NULL,
    rss_delta_mb DOUBLE PRECISION,
    cpu_pct DOUBLE PRECISION NOT NULL,
    cpu_sys_pct DOUBLE PRECISION,
    pool_in_use INTEGER,
    pool_open INTEGER,
    pool_idle INTEGER,
    open_fds INTEGER,
    goroutines INTEGER,
    rss_leak_flag BOOLEAN NOT NULL DEFAULT FALSE,
    fd_leak_flag BOOLEAN NOT NULL DEFAULT FALSE,
    running_strategies INTEGER,
    tick_rate_hz DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_rm_time ON resource_metrics (recorded_at);

CREATE TABLE IF NOT EXISTS resource_alerts (
    id BIGSERIAL PRIMARY KEY,
    alerted_at TIMESTAMPTZ NOT NULL,
    alert_type VARCHAR(40) NOT NULL,
    metric_name VARCHAR(40) NOT NULL,
    current_val DOUBLE PRECISION NOT NULL,
    threshold DOUBLE PRECISION NOT NULL,
    message TEXT NOT NULL,
    resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ra_open ON resource_alerts (resolved_at)
    WHERE resolved_at IS NULL;

CREATE OR REPLACE FUNCTION zen_reject_mutation() RETURNS trigger AS $fn$
BEGIN
    RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_logs_immutable ON audit_logs;
CREATE TRIGGER audit_logs_immutable
    BEFORE UPDATE OR DELETE ON audit_logs
    FOR EACH ROW EXECUTE FUNCTION zen_reject_mutation();

CREATE OR REPLACE FUNCTION zen_control_log_guard() RETURNS trigger AS $fn$
BEGIN
    IF TG_OP = 'DELETE' THEN
        RAISE EXCEPTION 'strategy_control_log is append-only';
    END IF;
    IF OLD.acked_at IS NOT NULL
       OR NEW.strategy_name IS DISTINCT FROM OLD.strategy_name
       OR NEW.action IS DISTINCT FROM OLD.action
       OR NEW.actor IS DISTINCT FROM OLD.actor
       OR NEW.ip IS DISTINCT FROM OLD.ip
       OR NEW.from_status IS DISTINCT FROM OLD.from_status
       OR NEW.to_status IS DISTINCT FROM OLD.to_status
       OR NEW.notes IS DISTINCT FROM OLD.notes
       OR NEW.created_at IS DISTINCT FROM OLD.created_at THEN
        RAISE EXCEPTION 'strategy_control_log rows are immutable past ack';
    END IF;
    RETURN NEW;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS control_log_immutable ON strategy_control_log;
CREATE TRIGGER control_log_immutable
    BEFORE UPDATE OR DELETE ON strategy_control_log
    FOR EACH ROW EXECUTE FUNCTION zen_control_log_guard();

CREATE OR REPLACE FUNCTION zen_set_updated_at() RETURNS trigger AS $fn$
BEGIN
    NEW.updated_at = NOW();
    RETURN NEW;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trading_sessions_touch ON trading_sessions;
CREATE TRIGGER trading_sessions_touch
    BEFORE UPDATE ON trading_sessions
    FOR EACH ROW EXECUTE FUNCTION zen_set_updated_at();

DROP TRIGGER IF EXISTS orders_touch ON orders;
CREATE TRIGGER orders_touch
    BEFORE UPDATE ON orders
    FOR EACH ROW EXECUTE FUNCTION zen_set_updated_at();

DROP TRIGGER IF EXISTS positions_touch ON positions;
CREATE TRIGGER positions_touch
    BEFORE UPDATE ON positions
    FOR EACH ROW EXECUTE FUNCTION zen_set_updated_at();

DROP TRIGGER IF EXISTS strategy_states_touch ON strategy_states;
CREATE TRIGGER strategy_states_touch
    BEFORE UPDATE ON strategy_states
    FOR EACH ROW EXECUTE FUNCTION zen_set_updated_at();

DROP TRIGGER IF EXISTS circuit_breaker_states_touch ON circuit_breaker_states;
CREATE TRIGGER circuit_breaker_states_touch
    BEFORE UPDATE ON circuit_breaker_states
    FOR EACH ROW EXECUTE FUNCTION zen_set_updated_at();

DROP TRIGGER IF EXISTS feed_heartbeats_touch ON feed_heartbeats;
CREATE TRIGGER feed_heartbeats_touch
    BEFORE UPDATE ON feed_heartbeats
    FOR EACH ROW EXECUTE FUNCTION zen_set_updated_at();

INSERT INTO feed_heartbeats (feed_name) VALUES ('fyers_ws'), ('fyers_rest')
    ON CONFLICT (feed_name) DO NOTHING;

INSERT INTO circuit_breaker_states (service_name) VALUES
    ('broker_orders'), ('broker_quotes'), ('broker_funds'), ('broker_ws')
    ON CONFLICT (service_name) DO NOTHING;
`
