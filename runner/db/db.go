package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		-- one row per triggered run of a workflow
		create table if not exists pipelines (
			seq integer primary key autoincrement,
			id text not null unique,

			kind text not null,
			repo text not null,
			ref text not null,
			sha text not null,
			workflow text not null,
			trigger text not null, -- json

			created integer not null -- unix nanos
		);

		-- a push is run at most once
		create unique index if not exists pipelines_push_once
			on pipelines (repo, ref, sha, workflow)
			where kind = 'push';

		-- status event for a single workflow
		create table if not exists events (
			id integer primary key autoincrement,
			pipeline_id text not null,
			workflow text not null,
			status text not null,
			error text,
			exit_code integer,
			created integer not null, -- unix nanos

			foreign key (pipeline_id) references pipelines(id) on delete cascade
		);

		create index if not exists events_pipeline
			on events (pipeline_id, workflow, id);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
