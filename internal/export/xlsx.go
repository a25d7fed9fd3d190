package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
)

var dayNames = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

var xlsxHeader = []string{"Day", "Start", "End", "Room", "Course", "Teacher"}

// WriteXLSX writes a workbook with one timetable sheet per routine. Slots
// keep their routine order. An empty collection yields a single empty
// "Routines" sheet.
func WriteXLSX(w io.Writer, routines []models.Routine) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to create header style", err)
	}

	used := make(map[string]bool)
	for i, r := range routines {
		name := sheetName(r, used)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return apperrors.Wrap(apperrors.ErrExportFailed, "failed to name sheet", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, "failed to add sheet", err)
		}
		if err := writeSheet(f, name, r, headerStyle); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, fmt.Sprintf("routine %s", r.ID), err)
		}
	}
	if len(routines) == 0 {
		if err := f.SetSheetName("Sheet1", "Routines"); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, "failed to name sheet", err)
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write workbook", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, r models.Routine, headerStyle int) error {
	for i, h := range xlsxHeader {
		if err := f.SetCellValue(sheet, cell(i, 1), h); err != nil {
			return err
		}
	}
	last := cell(len(xlsxHeader)-1, 1)
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "A", 12); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "D", "F", 16); err != nil {
		return err
	}

	for i, s := range r.Slots {
		row := i + 2
		day := ""
		if s.Day >= 0 && s.Day <= 6 {
			day = dayNames[s.Day]
		}
		values := []string{day, s.StartTime, s.EndTime, s.Room, s.CourseID, s.TeacherID}
		for col, v := range values {
			if err := f.SetCellValue(sheet, cell(col, row), v); err != nil {
				return err
			}
		}
	}
	return nil
}

// sheetName derives a unique, valid worksheet name (max 31 chars, no []:*?/\).
func sheetName(r models.Routine, used map[string]bool) string {
	base := strings.Map(func(c rune) rune {
		if strings.ContainsRune(`[]:*?/\`, c) {
			return '_'
		}
		return c
	}, strings.TrimSpace(r.Name))
	if base == "" {
		base = "Routine"
	}
	base = truncate(base, 31)

	name := base
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncate(base, 31-len([]rune(suffix))) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col+1, row)
	return name
}
