package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_executions (
				id UUID PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN (
					'pending', 'running', 'stage_failed', 'compensating',
					'completed', 'failed', 'compensated', 'failed_compensation_incomplete'
				)),
				current_stage_index INT NOT NULL DEFAULT 0,
				completed_stages JSONB NOT NULL DEFAULT '[]',
				context JSONB NOT NULL DEFAULT '{}',
				stage_attempts JSONB NOT NULL DEFAULT '{}',
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				error_message TEXT NOT NULL DEFAULT '',
				deadline TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_definition_id ON workflow_executions(definition_id);
			CREATE INDEX idx_workflow_executions_deadline ON workflow_executions(deadline)
				WHERE deadline IS NOT NULL;
		`,
		2: `
			CREATE TABLE audit_records (
				id UUID PRIMARY KEY,
				execution_id UUID NOT NULL,
				sequence_number INT NOT NULL,
				event_type VARCHAR(50) NOT NULL CHECK (event_type IN (
					'stage_started', 'stage_succeeded', 'stage_failed',
					'compensation_started', 'compensation_step',
					'execution_completed', 'execution_failed'
				)),
				payload JSONB NOT NULL DEFAULT '{}',
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (execution_id, sequence_number)
			);

			CREATE INDEX idx_audit_records_execution_id ON audit_records(execution_id);

			-- The audit trail is append-only at the storage layer, not just in
			-- application code. Any UPDATE or DELETE raises.
			CREATE FUNCTION audit_records_readonly() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'audit_records is append-only';
			END;
			$$ LANGUAGE plpgsql;

			CREATE TRIGGER audit_records_no_rewrite
				BEFORE UPDATE OR DELETE ON audit_records
				FOR EACH ROW EXECUTE FUNCTION audit_records_readonly();
		`,
	}
}
