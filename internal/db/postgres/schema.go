package postgres

// Migrations: схема леджера. SQL встроен в код для упрощения деплоя.
var Migrations = []Migration{
	{1, "wallets", migration001Wallets},
	{2, "points", migration002Points},
	{3, "rewards", migration003Rewards},
	{4, "referrals", migration004Referrals},
	{5, "purchases", migration005Purchases},
	{6, "admin", migration006Admin},
	{7, "point_rules_non_negative", migration007PointRulesNonNegative},
	{8, "compensation_failures_source", migration008CompensationFailureSource},
}

// Баланс хранится прямо в строке кошелька и меняется только в той же транзакции БД,
// что и запись в журнал. Журнал защищён триггером от UPDATE/DELETE.
var migration001Wallets = `
CREATE TABLE IF NOT EXISTS wallets (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT UNIQUE NOT NULL,
    balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
    currency CHAR(3) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'locked')),
    total_credited BIGINT NOT NULL DEFAULT 0,
    total_debited BIGINT NOT NULL DEFAULT 0,
    last_seq BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS wallet_transactions (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES wallets(user_id),
    seq BIGINT NOT NULL,
    type VARCHAR(8) NOT NULL CHECK (type IN ('credit', 'debit')),
    amount_cents BIGINT NOT NULL CHECK (amount_cents <> 0),
    balance_after_cents BIGINT NOT NULL CHECK (balance_after_cents >= 0),
    idempotency_key TEXT UNIQUE,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT wallet_transactions_user_seq_key UNIQUE (user_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user_created
    ON wallet_transactions(user_id, seq DESC);

CREATE OR REPLACE FUNCTION wallet_transactions_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'wallet_transactions is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_wallet_transactions_append_only ON wallet_transactions;
CREATE TRIGGER trg_wallet_transactions_append_only
    BEFORE UPDATE OR DELETE ON wallet_transactions
    FOR EACH ROW EXECUTE FUNCTION wallet_transactions_append_only();
`

// Версия правила берётся из общей последовательности, поэтому max(version)
// по таблице монотонно растёт при любом изменении и служит версией всей таблицы.
var migration002Points = `
CREATE SEQUENCE IF NOT EXISTS point_rules_version_seq;
CREATE TABLE IF NOT EXISTS point_rules (
    action VARCHAR(64) PRIMARY KEY,
    points BIGINT NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    updated_by BIGINT,
    version BIGINT NOT NULL DEFAULT nextval('point_rules_version_seq'),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS point_events (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    action VARCHAR(64) NOT NULL,
    points_awarded BIGINT NOT NULL,
    reference_id TEXT,
    transaction_id UUID REFERENCES wallet_transactions(id),
    rule_version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT point_events_reference_key UNIQUE (user_id, action, reference_id)
);
CREATE INDEX IF NOT EXISTS idx_point_events_user_created ON point_events(user_id, created_at DESC);
`

var migration003Rewards = `
CREATE TABLE IF NOT EXISTS rewards (
    id BIGSERIAL PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    cost_points BIGINT NOT NULL CHECK (cost_points >= 0),
    stock INTEGER CHECK (stock >= 0),
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS redemptions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    reward_id BIGINT NOT NULL REFERENCES rewards(id),
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    points_spent BIGINT NOT NULL,
    transaction_id UUID REFERENCES wallet_transactions(id),
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_redemptions_user_created ON redemptions(user_id, created_at DESC);
`

var migration004Referrals = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id BIGINT PRIMARY KEY,
    referral_code VARCHAR(32) UNIQUE NOT NULL,
    referred_by BIGINT REFERENCES profiles(user_id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS referrals (
    id BIGSERIAL PRIMARY KEY,
    invitee_user_id BIGINT UNIQUE NOT NULL,
    referrer_user_id BIGINT NOT NULL,
    referral_code VARCHAR(32) NOT NULL,
    invitee_joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    invitee_day_count INTEGER NOT NULL DEFAULT 0,
    reward_5day_awarded BOOLEAN NOT NULL DEFAULT FALSE,
    reward_10day_awarded BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_user_id);
CREATE TABLE IF NOT EXISTS referral_activity_days (
    referral_id BIGINT NOT NULL REFERENCES referrals(id),
    activity_date DATE NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (referral_id, activity_date)
);
`

var migration005Purchases = `
CREATE TABLE IF NOT EXISTS purchase_attempts (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    product_ref TEXT NOT NULL,
    amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
    state VARCHAR(16) NOT NULL,
    debit_tx_id UUID REFERENCES wallet_transactions(id),
    refund_tx_id UUID REFERENCES wallet_transactions(id),
    last_error TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_purchase_attempts_state ON purchase_attempts(state, updated_at);
CREATE TABLE IF NOT EXISTS lesson_unlocks (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    course_id BIGINT NOT NULL,
    lesson_id BIGINT NOT NULL,
    amount_cents BIGINT NOT NULL,
    attempt_id UUID REFERENCES purchase_attempts(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT lesson_unlocks_user_lesson_key UNIQUE (user_id, lesson_id)
);
CREATE TABLE IF NOT EXISTS compensation_failures (
    id BIGSERIAL PRIMARY KEY,
    attempt_id UUID UNIQUE NOT NULL REFERENCES purchase_attempts(id),
    user_id BIGINT NOT NULL,
    amount_cents BIGINT NOT NULL,
    error TEXT NOT NULL,
    resolved_at TIMESTAMPTZ,
    resolved_by BIGINT,
    resolution_note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration006Admin = `
CREATE TABLE IF NOT EXISTS admin_sessions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    session_token VARCHAR(255) UNIQUE NOT NULL,
    authenticated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_admin_sessions_user_id ON admin_sessions(user_id);
CREATE TABLE IF NOT EXISTS admin_login_attempts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT,
    attempt_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    success BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Правило только начисляет. Отрицательные значения из старых версий выключаются и обнуляются.
var migration007PointRulesNonNegative = `
UPDATE point_rules
SET points = 0, is_active = FALSE, version = nextval('point_rules_version_seq'), updated_at = NOW()
WHERE points < 0;
ALTER TABLE point_rules ADD CONSTRAINT point_rules_points_non_negative CHECK (points >= 0);
`

// Отметки о сбоях пишут и покупки, и обмен наград; у обмена нет строки в purchase_attempts.
var migration008CompensationFailureSource = `
ALTER TABLE compensation_failures DROP CONSTRAINT IF EXISTS compensation_failures_attempt_id_fkey;
ALTER TABLE compensation_failures ALTER COLUMN attempt_id TYPE TEXT USING attempt_id::text;
ALTER TABLE compensation_failures ADD COLUMN IF NOT EXISTS source VARCHAR(16) NOT NULL DEFAULT 'purchase'
    CHECK (source IN ('purchase', 'reward'));
`
