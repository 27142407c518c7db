package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposit_user_nonces (
	user_address TEXT PRIMARY KEY,
	next_nonce BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT user_address_len CHECK (char_length(user_address) = 42),
	CONSTRAINT next_nonce_pos CHECK (next_nonce > 0)
);

CREATE TABLE IF NOT EXISTS deposits (
	id BIGSERIAL PRIMARY KEY,
	user_address TEXT NOT NULL,
	nonce BIGINT NOT NULL,
	salt TEXT NOT NULL,
	deposit_address TEXT NOT NULL,
	status TEXT NOT NULL,

	deploy_tx_hash TEXT,
	route_tx_hash TEXT,
	routed_amount_wei NUMERIC(78, 0),

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT deposits_address_unique UNIQUE (deposit_address),
	CONSTRAINT deposits_user_nonce_unique UNIQUE (user_address, nonce),
	CONSTRAINT nonce_nonneg CHECK (nonce >= 0),
	CONSTRAINT status_valid CHECK (status IN ('pending', 'funded', 'deployed', 'failed', 'routed')),
	CONSTRAINT routed_amount_nonneg CHECK (routed_amount_wei IS NULL OR routed_amount_wei >= 0)
);

CREATE INDEX IF NOT EXISTS deposits_user_address_idx ON deposits (user_address);
CREATE INDEX IF NOT EXISTS deposits_status_idx ON deposits (status);
`
