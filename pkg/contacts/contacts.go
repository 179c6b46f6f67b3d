// Package contacts адресная книга: YAML файл или демонстрационный список.
package contacts

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Contact запись адресной книги
type Contact struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	PhoneNumber string `json:"phone_number" yaml:"phone"`
}

// DisplayName имя для отображения
func (c Contact) DisplayName() string {
	return c.Name
}

// Provider источник контактов
type Provider interface {
	List(ctx context.Context) ([]Contact, error)
	Search(ctx context.Context, query string) ([]Contact, error)
	// HasPermission false означает, что вместо настоящей книги отдаётся демонстрационный список
	HasPermission() bool
}

type addressBook struct {
	Contacts []Contact `yaml:"contacts"`
}

// Directory адресная книга из YAML файла.
// Без файла (или при ошибке чтения) доступа нет и используется DemoContacts.
type Directory struct {
	contacts   []Contact
	permission bool
}

// Open читает адресную книгу. Пустой path означает демонстрационный режим.
func Open(path string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "contacts"))

	if path == "" {
		logger.Info("Contacts file not configured, serving demo contacts")
		return &Directory{contacts: DemoContacts()}
	}
	list, err := Load(path)
	if err != nil {
		logger.Warn("Contacts file unreadable, serving demo contacts",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return &Directory{contacts: DemoContacts()}
	}
	logger.Info("Contacts loaded", slog.String("path", path), slog.Int("count", len(list)))
	return &Directory{contacts: list, permission: true}
}

// Load разбирает YAML файл адресной книги
func Load(path string) ([]Contact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read contacts file")
	}
	var book addressBook
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, errors.Wrap(err, "parse contacts file")
	}

	out := make([]Contact, 0, len(book.Contacts))
	for i, c := range book.Contacts {
		if strings.TrimSpace(c.PhoneNumber) == "" {
			continue
		}
		if c.ID == 0 {
			c.ID = int64(i + 1)
		}
		out = append(out, c)
	}
	sortByName(out)
	return out, nil
}

func (d *Directory) List(context.Context) ([]Contact, error) {
	out := make([]Contact, len(d.contacts))
	copy(out, d.contacts)
	sortByName(out)
	return out, nil
}

// Search ищет по имени без учёта регистра или по подстроке номера.
// Пустой запрос возвращает все контакты.
func (d *Directory) Search(ctx context.Context, query string) ([]Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return d.List(ctx)
	}
	lower := strings.ToLower(query)
	out := make([]Contact, 0)
	for _, c := range d.contacts {
		if strings.Contains(strings.ToLower(c.DisplayName()), lower) || strings.Contains(c.PhoneNumber, query) {
			out = append(out, c)
		}
	}
	sortByName(out)
	return out, nil
}

func (d *Directory) HasPermission() bool {
	return d.permission
}

func sortByName(list []Contact) {
	sort.SliceStable(list, func(i, j int) bool {
		return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name)
	})
}

// DemoContacts фиксированный список из 15 контактов
func DemoContacts() []Contact {
	return []Contact{
		{ID: 1, Name: "John Smith", PhoneNumber: "+1-555-0101"},
		{ID: 2, Name: "Sarah Johnson", PhoneNumber: "+1-555-0102"},
		{ID: 3, Name: "Michael Brown", PhoneNumber: "+1-555-0103"},
		{ID: 4, Name: "Emily Davis", PhoneNumber: "+1-555-0104"},
		{ID: 5, Name: "David Wilson", PhoneNumber: "+1-555-0105"},
		{ID: 6, Name: "Lisa Anderson", PhoneNumber: "+1-555-0106"},
		{ID: 7, Name: "Robert Taylor", PhoneNumber: "+1-555-0107"},
		{ID: 8, Name: "Jennifer Martinez", PhoneNumber: "+1-555-0108"},
		{ID: 9, Name: "William Garcia", PhoneNumber: "+1-555-0109"},
		{ID: 10, Name: "Amanda Rodriguez", PhoneNumber: "+1-555-0110"},
		{ID: 11, Name: "James Lopez", PhoneNumber: "+1-555-0111"},
		{ID: 12, Name: "Michelle Gonzalez", PhoneNumber: "+1-555-0112"},
		{ID: 13, Name: "Christopher Perez", PhoneNumber: "+1-555-0113"},
		{ID: 14, Name: "Jessica Torres", PhoneNumber: "+1-555-0114"},
		{ID: 15, Name: "Daniel Ramirez", PhoneNumber: "+1-555-0115"},
	}
}

var _ Provider = (*Directory)(nil)
