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

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

type postgresConn struct {
	conn *pgconn.PgConn
}

func connectPostgres(ctx context.Context, creds types.DBCredentials, host string, port int, tlsMode TLSMode) (Conn, error) {
	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		host, port, creds.Database, creds.Username, creds.Password)

	config, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, types.DriverError(err, "invalid postgres connection parameters")
	}

	if tlsMode == TLSPerCredentials && creds.SSLEnabled {
		tlsConfig, err := postgresTLSConfig(creds, host)
		if err != nil {
			return nil, err
		}
		config.TLSConfig = tlsConfig
	}

	conn, err := pgconn.ConnectConfig(ctx, config)
	if err != nil {
		return nil, types.DriverError(err, "failed to connect to postgres: %s", err)
	}
	return &postgresConn{conn: conn}, nil
}

func postgresTLSConfig(creds types.DBCredentials, host string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !creds.SSLRejectUnauthorized,
	}
	if creds.SSLCertificate != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(*creds.SSLCertificate)) {
			return nil, types.DriverError(nil, "invalid postgres SSL certificate")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (p *postgresConn) Execute(ctx context.Context, sql string, params []any) (*types.QueryResult, error) {
	if len(params) == 0 {
		return p.executeSimple(ctx, sql)
	}
	return p.executeParams(ctx, sql, params)
}

func (p *postgresConn) executeSimple(ctx context.Context, sql string) (*types.QueryResult, error) {
	mrr := p.conn.Exec(ctx, sql)

	var result *types.QueryResult
	for mrr.NextResult() {
		r, err := collectResultReader(mrr.ResultReader())
		if err != nil {
			mrr.Close()
			return nil, types.DriverError(err, "query execution failed")
		}
		result = r
	}
	if err := mrr.Close(); err != nil {
		return nil, types.DriverError(err, "query execution failed")
	}
	if result == nil {
		result = &types.QueryResult{}
	}
	return result, nil
}

func (p *postgresConn) executeParams(ctx context.Context, sql string, params []any) (*types.QueryResult, error) {
	paramValues := make([][]byte, len(params))
	for i, v := range params {
		if v == nil {
			paramValues[i] = nil
			continue
		}
		paramValues[i] = []byte(fmt.Sprintf("%v", v))
	}

	rr := p.conn.ExecParams(ctx, sql, paramValues, nil, nil, nil)
	result, err := collectResultReader(rr)
	if err != nil {
		return nil, types.DriverError(err, "query execution failed")
	}
	return result, nil
}

func collectResultReader(rr *pgconn.ResultReader) (*types.QueryResult, error) {
	fds := rr.FieldDescriptions()
	fields := make([]types.FieldDescriptor, len(fds))
	for i, fd := range fds {
		fields[i] = types.FieldDescriptor{
			Name:     fd.Name,
			DataType: strconv.FormatUint(uint64(fd.DataTypeOID), 10),
		}
	}

	var rows [][]any
	for rr.NextRow() {
		values := rr.Values()
		row := make([]any, len(values))
		for i, v := range values {
			if v == nil {
				row[i] = nil
			} else {
				row[i] = string(v)
			}
		}
		rows = append(rows, row)
	}

	tag, err := rr.Close()
	if err != nil {
		return nil, err
	}

	rowCount := tag.RowsAffected()
	if rowCount == 0 {
		rowCount = int64(len(rows))
	}

	return &types.QueryResult{Fields: fields, Rows: rows, RowCount: rowCount}, nil
}

func (p *postgresConn) Ping(ctx context.Context) error {
	result, err := p.executeSimple(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	if result.RowCount == 0 {
		return types.DriverError(nil, "health check returned no rows")
	}
	return nil
}

func (p *postgresConn) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}
