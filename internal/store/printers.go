package store

import (
	"context"
	"database/sql"

	"github.com/linchengyeyu/bambu-farm/internal/model"
)

type PrinterStore struct {
	db *sql.DB
}

func scanPrinter(row interface {
	Scan(...any) error
}) (*model.Printer, error) {
	var p model.Printer
	var created int64
	err := row.Scan(&p.ID, &p.DisplayName, &p.HostAddress, &p.AccessCode, &p.Serial, &created)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	p.CreatedAt = unixToTime(created)
	return &p, nil
}

func (s *PrinterStore) Create(ctx context.Context, p *model.Printer) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO printers (display_name, host_address, access_code, serial) VALUES (?, ?, ?, ?)`,
		p.DisplayName, p.HostAddress, p.AccessCode, p.Serial)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *PrinterStore) Get(ctx context.Context, id int64) (*model.Printer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, host_address, access_code, serial, created FROM printers WHERE id = ?`, id)
	return scanPrinter(row)
}

func (s *PrinterStore) List(ctx context.Context) ([]*model.Printer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, host_address, access_code, serial, created FROM printers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var printers []*model.Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (s *PrinterStore) Update(ctx context.Context, p *model.Printer) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE printers SET display_name = ?, host_address = ?, access_code = ?, serial = ? WHERE id = ?`,
		p.DisplayName, p.HostAddress, p.AccessCode, p.Serial, p.ID)
	return err
}

// Delete removes the printer. Callers must ensure no in-flight job is
// assigned to it first; the jobs.assigned_printer_id foreign key otherwise
// leaves orphaned references behind since sqlite FKs aren't enforced by
// default here.
func (s *PrinterStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM printers WHERE id = ?`, id)
	return err
}
