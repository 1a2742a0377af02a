package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE instances (
				id VARCHAR(255) PRIMARY KEY,
				flow_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				partition_hash BIGINT NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL,
				state JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_instances_due ON instances(next_due_at, id)
				WHERE status NOT IN ('completed', 'failed', 'cancelled');
			CREATE INDEX idx_instances_flow_id ON instances(flow_id);
		`,
		2: `
			CREATE TABLE cron_entries (
				id VARCHAR(255) PRIMARY KEY,
				flow_id VARCHAR(255) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL,
				entry JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_cron_entries_due ON cron_entries(next_due_at) WHERE active;

			CREATE TABLE leases (
				key VARCHAR(255) PRIMARY KEY,
				owner VARCHAR(255) NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
	}
}
