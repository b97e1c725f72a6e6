/*
 * Teleport
 * Copyright (C) 2023  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package dbquery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strconv"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

type mysqlConn struct {
	conn *client.Conn
}

func connectMySQL(ctx context.Context, creds types.DBCredentials, host string, port int, tlsMode TLSMode) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	var opts []func(*client.Conn)
	if tlsMode == TLSPerCredentials && creds.SSLEnabled {
		opts = append(opts, client.WithTLSConfig(mysqlTLSConfig(creds, host)))
	}

	conn, err := client.Connect(addr, creds.Username, creds.Password, creds.Database, opts...)
	if err != nil {
		return nil, types.DriverError(err, "failed to connect to mysql: %s", err)
	}
	return &mysqlConn{conn: conn}, nil
}

func mysqlTLSConfig(creds types.DBCredentials, host string) *tls.Config {
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !creds.SSLRejectUnauthorized,
	}
	if creds.SSLCertificate != nil {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM([]byte(*creds.SSLCertificate)) {
			cfg.RootCAs = pool
		}
	}
	return cfg
}

func (m *mysqlConn) Execute(ctx context.Context, sql string, params []any) (*types.QueryResult, error) {
	var (
		result *mysql.Result
		err    error
	)
	if len(params) == 0 {
		result, err = m.conn.Execute(sql)
	} else {
		result, err = m.conn.Execute(sql, params...)
	}
	if err != nil {
		return nil, types.DriverError(err, "query execution failed")
	}
	defer result.Close()

	return convertMySQLResult(result), nil
}

func convertMySQLResult(result *mysql.Result) *types.QueryResult {
	if result.Resultset == nil {
		return &types.QueryResult{RowCount: int64(result.AffectedRows)}
	}

	fields := make([]types.FieldDescriptor, len(result.Fields))
	for i, f := range result.Fields {
		fields[i] = types.FieldDescriptor{
			Name:     string(f.Name),
			DataType: strconv.Itoa(int(f.Type)),
		}
	}

	rows := make([][]any, len(result.Values))
	for i, rowValues := range result.Values {
		row := make([]any, len(rowValues))
		for j, v := range rowValues {
			if v.Type == mysql.FieldValueTypeNull {
				row[j] = nil
			} else {
				row[j] = v.Value()
			}
		}
		rows[i] = row
	}

	rowCount := int64(len(rows))
	if rowCount == 0 {
		rowCount = int64(result.AffectedRows)
	}

	return &types.QueryResult{Fields: fields, Rows: rows, RowCount: rowCount}
}

func (m *mysqlConn) Ping(ctx context.Context) error {
	if err := m.conn.Ping(); err != nil {
		return types.DriverError(err, "health check failed")
	}
	return nil
}

func (m *mysqlConn) Close(ctx context.Context) error {
	return m.conn.Close()
}
