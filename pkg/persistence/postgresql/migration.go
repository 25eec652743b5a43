package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Core execution state: definitions, instances, node instances

			CREATE TABLE workflow_definitions (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				version VARCHAR(100) NOT NULL,
				description TEXT,
				category VARCHAR(255),
				tags JSONB,
				definition JSONB NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'deprecated', 'archived')),
				timeout_seconds INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 0,
				retry_delay_seconds INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (name, version)
			);

			CREATE INDEX idx_workflow_definitions_name ON workflow_definitions(name);
			CREATE INDEX idx_workflow_definitions_status ON workflow_definitions(status);

			CREATE TABLE workflow_instances (
				id BIGSERIAL PRIMARY KEY,
				definition_id UUID NOT NULL REFERENCES workflow_definitions(id),
				external_id VARCHAR(255) NOT NULL,
				business_key VARCHAR(255),
				mutex_key VARCHAR(255),
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'paused', 'completed', 'failed', 'cancelled')),
				current_node_id VARCHAR(255),
				checkpoint_data JSONB,
				variables JSONB,
				error_message TEXT,
				error_details JSONB,
				failed_node_id VARCHAR(255),
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (external_id)
			);

			CREATE INDEX idx_workflow_instances_definition_id ON workflow_instances(definition_id);
			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_business_key ON workflow_instances(business_key) WHERE business_key IS NOT NULL;
			CREATE INDEX idx_workflow_instances_mutex_key ON workflow_instances(mutex_key) WHERE mutex_key IS NOT NULL;

			CREATE TABLE node_instances (
				id BIGSERIAL PRIMARY KEY,
				workflow_instance_id BIGINT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				parent_id BIGINT REFERENCES node_instances(id) ON DELETE CASCADE,
				node_type VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
				progress JSONB,
				item JSONB,
				attempt INT NOT NULL DEFAULT 0,
				error_message TEXT,
				error_details JSONB,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_instance_id, node_id)
			);

			CREATE INDEX idx_node_instances_instance_id ON node_instances(workflow_instance_id);
			CREATE INDEX idx_node_instances_parent_id ON node_instances(parent_id) WHERE parent_id IS NOT NULL;
			CREATE INDEX idx_node_instances_parent_status ON node_instances(parent_id, status) WHERE parent_id IS NOT NULL;
		`,
		2: `
			-- Migration 2: Distributed execution with leases and heartbeats

			CREATE TABLE execution_locks (
				lock_key VARCHAR(255) PRIMARY KEY,
				owner VARCHAR(255) NOT NULL,
				lock_type VARCHAR(50) NOT NULL CHECK (lock_type IN ('instance', 'workflow')),
				acquired_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_locks_expires_at ON execution_locks(expires_at);

			ALTER TABLE workflow_instances
				ADD COLUMN engine_id VARCHAR(255),
				ADD COLUMN last_heartbeat_at TIMESTAMP WITH TIME ZONE;

			-- Recovery sweep scans running instances by heartbeat age
			CREATE INDEX idx_workflow_instances_heartbeat ON workflow_instances(status, last_heartbeat_at);
		`,
		3: `
			-- Migration 3: Append-only execution log

			CREATE TABLE execution_log (
				id BIGSERIAL PRIMARY KEY,
				workflow_instance_id BIGINT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				node_instance_id BIGINT,
				node_id VARCHAR(255),
				level VARCHAR(20) NOT NULL,
				event VARCHAR(100) NOT NULL,
				message TEXT NOT NULL,
				details JSONB,
				engine_id VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_execution_log_instance_created ON execution_log(workflow_instance_id, created_at);
		`,
	}
}
