// Package sitefs resolves and inspects the on-disk artifact tree that the
// pipeline stages share. The database carries coordination state only; this
// tree is the ground truth for what work actually produced output.
package sitefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	pdfDirName     = "pdfs"
	txtDirName     = "txt"
	agendasDirName = "_agendas"
	dbFileName     = "meetings.db"
	backupSuffix   = ".bk"
)

// Layout resolves artifact paths inside a storage root.
//
// Each site owns one directory keyed by its subdomain:
//
//	{root}/{subdomain}/
//	  pdfs/{meeting}/{date}/*.pdf   downloaded documents
//	  txt/{meeting}/{date}/*.txt    recognized text, one file per page
//	  _agendas/                     extracted agenda summaries
//	  meetings.db                   compiled site database
//	  meetings.db.bk                previous compilation kept as backup
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at the given directory.
func NewLayout(root string) Layout {
	return Layout{root: root}
}

// Root returns the storage root directory.
func (l Layout) Root() string { return l.root }

// SiteDir returns the working directory for a site.
func (l Layout) SiteDir(subdomain string) string {
	return filepath.Join(l.root, subdomain)
}

// PDFDir returns the downloaded-documents directory for a site.
func (l Layout) PDFDir(subdomain string) string {
	return filepath.Join(l.root, subdomain, pdfDirName)
}

// TxtDir returns the recognized-text directory for a site.
func (l Layout) TxtDir(subdomain string) string {
	return filepath.Join(l.root, subdomain, txtDirName)
}

// AgendasDir returns the extracted-agendas directory for a site.
func (l Layout) AgendasDir(subdomain string) string {
	return filepath.Join(l.root, subdomain, agendasDirName)
}

// DBPath returns the compiled database path for a site.
func (l Layout) DBPath(subdomain string) string {
	return filepath.Join(l.root, subdomain, dbFileName)
}

// BackupDBPath returns the path of the previous compiled database.
func (l Layout) BackupDBPath(subdomain string) string {
	return filepath.Join(l.root, subdomain, dbFileName+backupSuffix)
}

// DocumentPDFDir returns the download directory for one meeting document.
func (l Layout) DocumentPDFDir(subdomain, meeting, date string) string {
	return filepath.Join(l.PDFDir(subdomain), meeting, date)
}

// DocumentTxtDir returns the recognized-text directory for one meeting document.
func (l Layout) DocumentTxtDir(subdomain, meeting, date string) string {
	return filepath.Join(l.TxtDir(subdomain), meeting, date)
}

// EnsureSiteDirs creates the fixed per-site directories.
func (l Layout) EnsureSiteDirs(subdomain string) error {
	for _, dir := range []string{
		l.PDFDir(subdomain),
		l.TxtDir(subdomain),
		l.AgendasDir(subdomain),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create site directory: %w", err)
		}
	}
	return nil
}

// Document identifies one meeting document: every artifact it produces lives
// under the same {meeting}/{date} pair in each stage directory.
type Document struct {
	Meeting string
	Date    string

	// PDFs holds the absolute paths of the downloaded files, sorted by name.
	PDFs []string
}

// Key returns the {meeting}/{date} identity used in job arguments and logs.
func (d Document) Key() string {
	return d.Meeting + "/" + d.Date
}

// EnumerateDocuments walks the pdfs tree of a site and returns its documents
// in sorted order. A site with no pdfs directory yields an empty slice.
func (l Layout) EnumerateDocuments(subdomain string) ([]Document, error) {
	root := l.PDFDir(subdomain)
	meetings, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pdfs directory: %w", err)
	}

	var docs []Document
	for _, meeting := range meetings {
		if !meeting.IsDir() {
			continue
		}
		dates, err := os.ReadDir(filepath.Join(root, meeting.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read meeting directory: %w", err)
		}
		for _, date := range dates {
			if !date.IsDir() {
				continue
			}
			dir := filepath.Join(root, meeting.Name(), date.Name())
			files, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("failed to read document directory: %w", err)
			}
			doc := Document{Meeting: meeting.Name(), Date: date.Name()}
			for _, f := range files {
				if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".pdf") {
					continue
				}
				doc.PDFs = append(doc.PDFs, filepath.Join(dir, f.Name()))
			}
			if len(doc.PDFs) > 0 {
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

// DocumentPDFs returns the sorted pdf paths of a single document, or an
// empty slice if the document directory does not exist.
func (l Layout) DocumentPDFs(subdomain, meeting, date string) ([]string, error) {
	dir := l.DocumentPDFDir(subdomain, meeting, date)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read document directory: %w", err)
	}
	var pdfs []string
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".pdf") {
			continue
		}
		pdfs = append(pdfs, filepath.Join(dir, f.Name()))
	}
	return pdfs, nil
}

// HasText reports whether a document's text directory holds at least one
// .txt file. This is the completion predicate for text recognition: page
// files land one by one, and any page present means the document was
// processed.
func (l Layout) HasText(subdomain, meeting, date string) (bool, error) {
	entries, err := os.ReadDir(l.DocumentTxtDir(subdomain, meeting, date))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read text directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
			return true, nil
		}
	}
	return false, nil
}

// CountTextComplete walks the txt tree and counts documents with at least
// one .txt file. The reconciler compares this observed count against the
// recorded counters when deciding whether a site genuinely stalled.
func (l Layout) CountTextComplete(subdomain string) (int, error) {
	root := l.TxtDir(subdomain)
	meetings, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read txt directory: %w", err)
	}

	count := 0
	for _, meeting := range meetings {
		if !meeting.IsDir() {
			continue
		}
		dates, err := os.ReadDir(filepath.Join(root, meeting.Name()))
		if err != nil {
			return 0, fmt.Errorf("failed to read meeting directory: %w", err)
		}
		for _, date := range dates {
			if !date.IsDir() {
				continue
			}
			ok, err := l.HasText(subdomain, meeting.Name(), date.Name())
			if err != nil {
				return 0, err
			}
			if ok {
				count++
			}
		}
	}
	return count, nil
}

// HasDatabase reports whether the compiled database exists for a site.
func (l Layout) HasDatabase(subdomain string) (bool, error) {
	if _, err := os.Stat(l.DBPath(subdomain)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat database: %w", err)
	}
	return true, nil
}
