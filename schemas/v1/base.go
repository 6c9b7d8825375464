package v1

// BaseTemplate is the template for the initial schema of this major version. The template expects variables to be
// passed using the schemas.Config struct. Patches are applied on top of this base.
var BaseTemplate = `

{{- if and .SchemaName (ne .SchemaName "public") }}
SET search_path TO {{ .SchemaName }},public;
{{- end }}

-- =====================================================================================================================
-- INDEPENDENT FUNCTIONS
-- =====================================================================================================================

-- Unset epochs (-1) map to the unix epoch so they compare as "long ago" rather than failing.
CREATE FUNCTION {{ .SchemaName | default "public"}}.epoch_to_timestamp(fil_epoch bigint) RETURNS bigint
    LANGUAGE sql IMMUTABLE STRICT PARALLEL SAFE
    AS $$
		SELECT CASE WHEN fil_epoch = -1 THEN 0 ELSE ((fil_epoch * 30) + 1598306400) END::bigint;
	$$;

-- =====================================================================================================================
-- TABLES
-- =====================================================================================================================

-- ----------------------------------------------------------------
-- Name: market_deals
-- Model: market.Deal
-- Growth: one row per published storage deal
-- ----------------------------------------------------------------
CREATE TABLE {{ .SchemaName | default "public"}}.market_deals (
    deal_id bigint NOT NULL,
    piece_cid text NOT NULL,
    piece_size numeric NOT NULL,
    verified_deal boolean NOT NULL,
    client text NOT NULL,
    provider text NOT NULL,
    label text,
    start_epoch bigint NOT NULL,
    end_epoch bigint NOT NULL,
    storage_price_per_epoch numeric NOT NULL,
    provider_collateral numeric NOT NULL,
    client_collateral numeric NOT NULL,
    sector_start_epoch bigint NOT NULL,
    last_updated_epoch bigint NOT NULL,
    slash_epoch bigint NOT NULL
);
ALTER TABLE ONLY {{ .SchemaName | default "public"}}.market_deals ADD CONSTRAINT market_deals_pkey PRIMARY KEY (deal_id);

COMMENT ON TABLE {{ .SchemaName | default "public"}}.market_deals IS 'Storage market deals keyed by deal id. Proposal fields are immutable; lifecycle epochs are refreshed on every import.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.deal_id IS 'Identifier for the deal.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.piece_cid IS 'CID of a sector piece. A Piece is an object that represents a whole or part of a File.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.piece_size IS 'The size of the piece in bytes.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.verified_deal IS 'Deal is with a verified provider.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.client IS 'Address of the actor proposing the deal.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.provider IS 'Address of the actor providing the services.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.label IS 'Arbitrary client chosen label to apply to the deal.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.sector_start_epoch IS 'Epoch this deal was included in a proven sector. -1 if not yet included in proven sector.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.last_updated_epoch IS 'Epoch this deal was last updated at. -1 if deal state never updated.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.market_deals.slash_epoch IS 'Epoch this deal was slashed at. -1 if deal was never slashed.';

-- ----------------------------------------------------------------
-- Name: client_mappings
-- Model: market.ClientMapping
-- Growth: one row per distinct deal client
-- ----------------------------------------------------------------
CREATE TABLE {{ .SchemaName | default "public"}}.client_mappings (
    client text NOT NULL,
    client_address text NOT NULL
);
ALTER TABLE ONLY {{ .SchemaName | default "public"}}.client_mappings ADD CONSTRAINT client_mappings_pkey PRIMARY KEY (client);

COMMENT ON TABLE {{ .SchemaName | default "public"}}.client_mappings IS 'Resolved account key addresses for deal clients. Rows are never updated.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.client_mappings.client IS 'Client identifier as it appears in market_deals.';
COMMENT ON COLUMN {{ .SchemaName | default "public"}}.client_mappings.client_address IS 'Robust address returned by StateAccountKey.';
`
