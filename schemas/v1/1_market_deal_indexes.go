package v1

// Schema version 1 adds lookup indexes used by the tagging passes.

func init() {
	patches.Register(
		1,
		`
	CREATE INDEX IF NOT EXISTS market_deals_piece_cid_idx ON {{ .SchemaName | default "public"}}.market_deals USING btree (piece_cid);
	CREATE INDEX IF NOT EXISTS market_deals_client_idx ON {{ .SchemaName | default "public"}}.market_deals USING btree (client);
	CREATE INDEX IF NOT EXISTS market_deals_provider_idx ON {{ .SchemaName | default "public"}}.market_deals USING btree (provider);
`,
	)
}
