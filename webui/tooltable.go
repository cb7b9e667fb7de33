package webui

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
	"vcp-gateway/tooltable"
)

const (
	promptSave   = "Do you want to save changes and\nload tool table into LinuxCNC?"
	promptLoad   = "Do you want to re-load the tool table?\nAll unsaved changes will be lost."
	promptClear  = "Do you want to delete the whole tool table?"
	promptRemove = "Are you sure you want to delete T%d?\n%s"
)

type ColumnView struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

func getColumns(c *gin.Context) {
	out := make([]ColumnView, 0, len(tooltable.Columns))
	for _, col := range tooltable.Columns {
		out = append(out, ColumnView{Key: string(col), Label: tooltable.ColumnLabels[col]})
	}
	c.JSON(http.StatusOK, gin.H{"columns": out})
}

// getToolTable returns the row view: tools in ascending tool number, tool 0
// at row 0.
func (s *Server) getToolTable(c *gin.Context) {
	table := s.tools.ToolTable()
	rows := make([]tooltable.Tool, 0, len(table))
	for _, n := range table.Numbers() {
		rows = append(rows, table[n])
	}
	c.JSON(http.StatusOK, gin.H{
		"rows":  rows,
		"count": len(rows),
		"dirty": s.tools.Dirty(),
	})
}

func (s *Server) getRow(c *gin.Context) {
	row, err := rowParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	tool, ok := s.tools.ToolDataFromRow(row)
	if !ok {
		respondError(c, plugin.Errorf(plugin.ErrNotFound, "row", "no row %d", row))
		return
	}
	c.JSON(http.StatusOK, tool)
}

func (s *Server) addTool(c *gin.Context) {
	tool, ok := s.tools.AddTool()
	if !ok {
		respondError(c, plugin.Errorf(plugin.ErrCapacity, "add tool", "tool table holds tool %d already", tooltable.MaxTools))
		return
	}
	logrus.Infof("API: added tool %d", tool.T)
	c.JSON(http.StatusCreated, tool)
}

func (s *Server) removeRow(c *gin.Context) {
	row, err := rowParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	tool, ok := s.tools.ToolDataFromRow(row)
	if !ok {
		respondError(c, plugin.Errorf(plugin.ErrNotFound, "remove tool", "no row %d", row))
		return
	}
	if tool.T == 0 {
		respondError(c, plugin.Errorf(plugin.ErrInvariant, "remove tool", "tool 0 cannot be removed"))
		return
	}
	// ?tool= pins the delete to the tool the prompt showed.
	if want := c.Query("tool"); want != "" && want != strconv.Itoa(tool.T) {
		respondError(c, plugin.Errorf(plugin.ErrInvariant, "remove tool", "row %d holds T%d now, not T%s", row, tool.T, want))
		return
	}
	if !confirmed(c, fmt.Sprintf(promptRemove, tool.T, tool.R)) {
		return
	}
	// Rows shift with every edit; the confirmed prompt named tool.T.
	if !s.tools.RemoveToolNumber(tool.T) {
		respondError(c, plugin.Errorf(plugin.ErrNotFound, "remove tool", "tool %d is gone", tool.T))
		return
	}
	logrus.Infof("API: removed tool %d", tool.T)
	c.JSON(http.StatusOK, tool)
}

func cellParams(c *gin.Context) (int, tooltable.Column, error) {
	row, err := rowParam(c)
	if err != nil {
		return 0, "", err
	}
	col, err := tooltable.ParseColumn(c.Param("column"))
	return row, col, err
}

func (s *Server) getCell(c *gin.Context) {
	row, col, err := cellParams(c)
	if err != nil {
		respondError(c, err)
		return
	}
	v, err := s.tools.Data(row, col)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"row": row, "column": col, "value": v})
}

func (s *Server) setCell(c *gin.Context) {
	row, col, err := cellParams(c)
	if err != nil {
		respondError(c, err)
		return
	}
	value, err := bindValue(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.tools.SetData(row, col, value); err != nil {
		respondError(c, err)
		return
	}
	// Rows follow the tool number, so changing T may move the row.
	c.JSON(http.StatusOK, gin.H{"row": row, "column": col, "value": value})
}

func (s *Server) loadToolTable(c *gin.Context) {
	if !confirmed(c, promptLoad) {
		return
	}
	table, err := s.tools.LoadToolTable(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	skipped := []string{}
	for _, e := range s.tools.Skipped() {
		skipped = append(skipped, e.Error())
	}
	c.JSON(http.StatusOK, gin.H{"count": len(table), "skipped": skipped})
}

func (s *Server) saveToolTable(c *gin.Context) {
	if !confirmed(c, promptSave) {
		return
	}
	if err := s.tools.Save(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": s.tools.RowCount()})
}

func (s *Server) clearToolTable(c *gin.Context) {
	if !confirmed(c, promptClear) {
		return
	}
	s.tools.ClearToolTable()
	logrus.Info("API: tool table cleared")
	c.JSON(http.StatusOK, gin.H{"count": s.tools.RowCount()})
}

func (s *Server) getCarousel(c *gin.Context) {
	pockets, _ := s.atc.Channel("pockets")
	direction, _ := s.atc.Channel("direction")
	out := gin.H{"position": s.atc.AtcPosition()}
	if pockets != nil {
		out["pockets"] = pockets.Any()
	}
	if direction != nil {
		out["direction"] = direction.Any()
	}
	c.JSON(http.StatusOK, out)
}
