package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"donation-api/internal/models"

	"gorm.io/gorm"
)

var ErrClientNotFound = errors.New("client not found")

// ClientService manages the app clients allowed to submit donations
type ClientService struct {
	db *gorm.DB
}

// NewClientService creates a new client service
func NewClientService(db *gorm.DB) *ClientService {
	return &ClientService{db: db}
}

// GetClientByID gets an active client by its client id
func (s *ClientService) GetClientByID(ctx context.Context, clientID string) (*models.AppClient, error) {
	var client models.AppClient
	result := s.db.WithContext(ctx).Where("client_id = ? AND is_active = ?", clientID, true).First(&client)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, result.Error
	}
	return &client, nil
}

// ValidateClient checks the client id and API key pair
func (s *ClientService) ValidateClient(ctx context.Context, clientID, apiKey string) (*models.AppClient, error) {
	client, err := s.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(client.APIKey), []byte(apiKey)) != 1 {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// GetAllClients gets all active clients
func (s *ClientService) GetAllClients(ctx context.Context) ([]*models.AppClient, error) {
	var clients []*models.AppClient
	result := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&clients)
	if result.Error != nil {
		return nil, result.Error
	}
	return clients, nil
}

// CreateClient registers a new client
func (s *ClientService) CreateClient(ctx context.Context, client *models.AppClient) error {
	var existing models.AppClient
	result := s.db.WithContext(ctx).Where("client_id = ?", client.ClientID).First(&existing)
	if result.Error == nil {
		return fmt.Errorf("client with ID %s already exists", client.ClientID)
	}

	if err := s.db.WithContext(ctx).Create(client).Error; err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// DeactivateClient disables a client without deleting it
func (s *ClientService) DeactivateClient(ctx context.Context, clientID string) error {
	result := s.db.WithContext(ctx).Model(&models.AppClient{}).Where("client_id = ?", clientID).Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate client: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClientNotFound
	}
	return nil
}
