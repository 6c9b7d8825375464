package v1

// Schema version 2 adds deal_tags

func init() {
	patches.Register(
		2,
		`
	CREATE TABLE IF NOT EXISTS {{ .SchemaName | default "public"}}.deal_tags (
		deal_id             bigint      NOT NULL,
		cid_overreplicated  boolean     NOT NULL DEFAULT false,
		cid_shared          boolean     NOT NULL DEFAULT false,
		cid_unique          boolean     NOT NULL DEFAULT false,
		sector_start        timestamptz,
		piece_size          numeric,

		PRIMARY KEY (deal_id)
	);
	COMMENT ON TABLE {{ .SchemaName | default "public"}}.deal_tags IS 'Derived classification of verified, activated deals. Fully recomputed by the tag command.';
	COMMENT ON COLUMN {{ .SchemaName | default "public"}}.deal_tags.cid_overreplicated IS 'Another deal stored the same piece with the same provider earlier.';
	COMMENT ON COLUMN {{ .SchemaName | default "public"}}.deal_tags.cid_shared IS 'The owner stored this piece before and at least one other owner stored it too.';
	COMMENT ON COLUMN {{ .SchemaName | default "public"}}.deal_tags.cid_unique IS 'First deal of this piece by an eligible owner.';
	COMMENT ON COLUMN {{ .SchemaName | default "public"}}.deal_tags.sector_start IS 'Time the deal sector was proven, derived from sector_start_epoch.';
`,
	)
}
