package csvparser

import (
	"fmt"
	"os"
	"path/filepath"

	"sendwave/internal/models"
)

// Loader resolves a campaign's uploaded recipient sheet on disk. Sheets are
// filed by upload date and owner: <base>/<year>/<month>/<day>/<userID>/<name>.
type Loader struct {
	BaseDir string
	MaxRows int
}

// SheetPath builds the sheet location from the campaign's creation date.
func (l *Loader) SheetPath(c *models.Campaign) string {
	return filepath.Join(
		l.BaseDir,
		fmt.Sprintf("%04d", c.CreatedAt.Year()),
		fmt.Sprintf("%02d", int(c.CreatedAt.Month())),
		fmt.Sprintf("%02d", c.CreatedAt.Day()),
		c.UserID,
		c.Name,
	)
}

// Load reads and parses the campaign's recipient sheet.
func (l *Loader) Load(c *models.Campaign) ([]models.Recipient, error) {
	path := l.SheetPath(c)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipient sheet %s: %w", path, err)
	}
	defer f.Close()

	return ParseRecipientRows(f, l.MaxRows)
}
