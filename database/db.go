/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq" // Import the postgres driver
	"github.com/waldocoin/waldo/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		// allow a later call to retry the connection
		once = sync.Once{}
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens a pooled connection and verifies it with a ping.
// Schema management lives in the migrate command.
func ConnectDB(dsConfig config.DataSourceConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsConfig.Dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dsConfig.MaxOpenConns)
	db.SetMaxIdleConns(dsConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dsConfig.ConnMaxLifetime)
	db.SetConnMaxIdleTime(dsConfig.ConnMaxIdleTime)

	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}

	log.Println("Database connection established ✅")
	return db, nil
}

// Ping checks that the database is reachable.
func (d Datasource) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}
