package db

// Schema is the DDL for the relational store. Digest maps (files,
// executables, managers) are stored as JSONB; blobs themselves live in the
// file cache, keyed by digest.
const Schema = `
CREATE TABLE IF NOT EXISTS Tasks (
  id INT8 PRIMARY KEY,
  name STRING NOT NULL,
  active_dataset_id INT8 NOT NULL,
  score_mode STRING NOT NULL DEFAULT 'max'
);

CREATE TABLE IF NOT EXISTS Datasets (
  id INT8 PRIMARY KEY,
  task_id INT8 NOT NULL,
  description STRING NOT NULL DEFAULT '',
  autojudge BOOL NOT NULL DEFAULT FALSE,
  task_type STRING NOT NULL,
  task_type_parameters STRING NOT NULL DEFAULT '',
  score_type STRING NOT NULL,
  score_type_parameters STRING NOT NULL DEFAULT '',
  time_limit FLOAT8 NOT NULL DEFAULT 0,
  memory_limit INT8 NOT NULL DEFAULT 0,
  managers JSONB,
  INDEX datasets_by_task (task_id)
);

CREATE TABLE IF NOT EXISTS Testcases (
  dataset_id INT8 NOT NULL,
  codename STRING NOT NULL,
  public BOOL NOT NULL DEFAULT FALSE,
  input STRING NOT NULL,
  output STRING NOT NULL,
  PRIMARY KEY (dataset_id, codename)
);

CREATE TABLE IF NOT EXISTS Submissions (
  id INT8 PRIMARY KEY,
  participation_id INT8 NOT NULL,
  task_id INT8 NOT NULL,
  ts TIMESTAMPTZ NOT NULL,
  language STRING NOT NULL DEFAULT '',
  files JSONB NOT NULL,
  token BOOL NOT NULL DEFAULT FALSE,
  INDEX submissions_by_task (task_id, ts)
);

CREATE TABLE IF NOT EXISTS UserTests (
  id INT8 PRIMARY KEY,
  participation_id INT8 NOT NULL,
  task_id INT8 NOT NULL,
  ts TIMESTAMPTZ NOT NULL,
  language STRING NOT NULL DEFAULT '',
  files JSONB NOT NULL,
  input STRING NOT NULL
);

CREATE TABLE IF NOT EXISTS SubmissionResults (
  submission_id INT8 NOT NULL,
  dataset_id INT8 NOT NULL,
  compilation_outcome STRING NOT NULL DEFAULT '',
  compilation_text STRING NOT NULL DEFAULT '',
  compilation_tries INT4 NOT NULL DEFAULT 0,
  executables JSONB,
  evaluation_tries INT4 NOT NULL DEFAULT 0,
  score FLOAT8 NOT NULL DEFAULT 0,
  score_details STRING NOT NULL DEFAULT '',
  public_score FLOAT8 NOT NULL DEFAULT 0,
  public_score_details STRING NOT NULL DEFAULT '',
  ranking_score_details STRING NOT NULL DEFAULT '',
  scored BOOL NOT NULL DEFAULT FALSE,
  partial BOOL NOT NULL DEFAULT FALSE,
  tombstoned BOOL NOT NULL DEFAULT FALSE,
  stuck BOOL NOT NULL DEFAULT FALSE,
  PRIMARY KEY (submission_id, dataset_id),
  INDEX results_by_dataset (dataset_id),
  INDEX results_unscored (scored) WHERE scored = FALSE
);

CREATE TABLE IF NOT EXISTS Evaluations (
  submission_id INT8 NOT NULL,
  dataset_id INT8 NOT NULL,
  codename STRING NOT NULL,
  outcome FLOAT8 NOT NULL DEFAULT 0,
  text STRING NOT NULL DEFAULT '',
  execution_time FLOAT8 NOT NULL DEFAULT 0,
  execution_wall_clock_time FLOAT8 NOT NULL DEFAULT 0,
  execution_memory INT8 NOT NULL DEFAULT 0,
  PRIMARY KEY (submission_id, dataset_id, codename)
);
`
