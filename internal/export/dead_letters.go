package export

import (
	"bytes"
	"fmt"
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/xuri/excelize/v2"
)

// DeadLetterSheet 工作表名称
const DeadLetterSheet = "Dead Letters"

var deadLetterHeaders = []string{"Failed At", "Sink", "Kind", "Key", "Attempts", "Error", "Payload", "ID"}

var deadLetterColumnWidths = []float64{
	22, // Failed At
	18, // Sink
	10, // Kind
	40, // Key
	10, // Attempts
	50, // Error
	80, // Payload
	38, // ID
}

// GenerateDeadLetterWorkbook 生成死信 .xlsx（表头加粗、冻结首行）
func GenerateDeadLetterWorkbook(letters []models.DeadLetter) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 之前不能关闭文件

	index, err := f.NewSheet(DeadLetterSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE2E1"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range deadLetterHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(DeadLetterSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(DeadLetterSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(DeadLetterSheet, name, name, deadLetterColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, dl := range letters {
		row := i + 2 // 第 1 行是表头
		values := []interface{}{
			dl.FailedAt.UTC().Format(time.RFC3339),
			dl.Sink,
			dl.Kind,
			dl.Key,
			dl.Attempts,
			dl.Error,
			string(dl.Payload),
			dl.ID,
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(DeadLetterSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", row, err)
		}
	}

	if err := f.SetPanes(DeadLetterSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}
