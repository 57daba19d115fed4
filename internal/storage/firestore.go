package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/outmoded/postmile-web/internal/crypto"
	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/ticket"
)

// FirestoreStorage implements Store on Google Cloud Firestore. Secrets
// (handshake token secrets and session tickets) are encrypted before they
// leave the process.
type FirestoreStorage struct {
	client    *firestore.Client
	encryptor crypto.Encryptor

	handshakesCol string
	sessionsCol   string
	flashesCol    string
}

type firestoreHandshake struct {
	Provider  string    `firestore:"provider"`
	Token     string    `firestore:"token,omitempty"`
	Secret    string    `firestore:"secret,omitempty"`
	Nonce     string    `firestore:"nonce,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type firestoreSession struct {
	Ticket      string    `firestore:"ticket,omitempty"`
	UserID      string    `firestore:"userId,omitempty"`
	Restriction string    `firestore:"restriction,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

type firestoreFlash struct {
	Message string         `firestore:"message,omitempty"`
	Signup  *SignupAccount `firestore:"signup,omitempty"`
}

// NewFirestoreStorage creates a Firestore-backed store. An empty database
// selects the project's default database. The collection prefix namespaces
// this deployment's documents.
func NewFirestoreStorage(ctx context.Context, projectID, database, collectionPrefix string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	var client *firestore.Client
	var err error
	if database == "" {
		client, err = firestore.NewClient(ctx, projectID)
	} else {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	}
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	if collectionPrefix == "" {
		collectionPrefix = "postmile_web"
	}

	return &FirestoreStorage{
		client:        client,
		encryptor:     encryptor,
		handshakesCol: collectionPrefix + "_handshakes",
		sessionsCol:   collectionPrefix + "_sessions",
		flashesCol:    collectionPrefix + "_flashes",
	}, nil
}

func (s *FirestoreStorage) SaveHandshake(ctx context.Context, sessionID string, state HandshakeState) error {
	doc := firestoreHandshake{
		Provider:  state.Provider,
		Token:     state.Token,
		Nonce:     state.Nonce,
		CreatedAt: state.CreatedAt,
	}

	if state.Secret != "" {
		encrypted, err := s.encryptor.Encrypt(state.Secret)
		if err != nil {
			return fmt.Errorf("encrypting handshake secret: %w", err)
		}
		doc.Secret = encrypted
	}

	ref := s.client.Collection(s.handshakesCol).Doc(sessionID + "_" + state.Provider)
	if _, err := ref.Set(ctx, doc); err != nil {
		return fmt.Errorf("storing handshake state: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) TakeHandshake(ctx context.Context, sessionID, provider string) (HandshakeState, error) {
	ref := s.client.Collection(s.handshakesCol).Doc(sessionID + "_" + provider)

	var doc firestoreHandshake
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("parsing handshake state: %w", err)
		}
		return tx.Delete(ref)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return HandshakeState{}, ErrHandshakeNotFound
		}
		return HandshakeState{}, fmt.Errorf("taking handshake state: %w", err)
	}

	state := HandshakeState{
		Provider:  doc.Provider,
		Token:     doc.Token,
		Nonce:     doc.Nonce,
		CreatedAt: doc.CreatedAt,
	}
	if doc.Secret != "" {
		secret, err := s.encryptor.Decrypt(doc.Secret)
		if err != nil {
			return HandshakeState{}, fmt.Errorf("decrypting handshake secret: %w", err)
		}
		state.Secret = secret
	}
	return state, nil
}

func (s *FirestoreStorage) PutSession(ctx context.Context, sessionID string, session Session) error {
	doc := firestoreSession{
		UserID:      session.UserID,
		Restriction: session.Restriction,
		UpdatedAt:   time.Now(),
	}

	if session.Ticket != nil {
		plaintext, err := json.Marshal(session.Ticket)
		if err != nil {
			return fmt.Errorf("encoding session ticket: %w", err)
		}
		encrypted, err := s.encryptor.Encrypt(string(plaintext))
		if err != nil {
			return fmt.Errorf("encrypting session ticket: %w", err)
		}
		doc.Ticket = encrypted
	}

	ref := s.client.Collection(s.sessionsCol).Doc(sessionID)
	if _, err := ref.Set(ctx, doc); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) GetSession(ctx context.Context, sessionID string) (Session, error) {
	snap, err := s.client.Collection(s.sessionsCol).Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("getting session: %w", err)
	}

	var doc firestoreSession
	if err := snap.DataTo(&doc); err != nil {
		return Session{}, fmt.Errorf("parsing session: %w", err)
	}

	session := Session{
		UserID:      doc.UserID,
		Restriction: doc.Restriction,
	}
	if doc.Ticket != "" {
		plaintext, err := s.encryptor.Decrypt(doc.Ticket)
		if err != nil {
			return Session{}, fmt.Errorf("decrypting session ticket: %w", err)
		}
		var t ticket.Ticket
		if err := json.Unmarshal([]byte(plaintext), &t); err != nil {
			return Session{}, fmt.Errorf("parsing session ticket: %w", err)
		}
		session.Ticket = &t
	}
	return session, nil
}

func (s *FirestoreStorage) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := s.client.Collection(s.sessionsCol).Doc(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	if _, err := s.client.Collection(s.flashesCol).Doc(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("clearing session flash data: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) SetMessage(ctx context.Context, sessionID, message string) error {
	ref := s.client.Collection(s.flashesCol).Doc(sessionID)
	_, err := ref.Set(ctx, map[string]any{"message": message}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("storing message: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) TakeMessage(ctx context.Context, sessionID string) (string, error) {
	ref := s.client.Collection(s.flashesCol).Doc(sessionID)

	var message string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc firestoreFlash
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("parsing flash data: %w", err)
		}
		message = doc.Message
		if message == "" {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "message", Value: firestore.Delete}})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("taking message: %w", err)
	}
	return message, nil
}

func (s *FirestoreStorage) SetSignup(ctx context.Context, sessionID string, account SignupAccount) error {
	ref := s.client.Collection(s.flashesCol).Doc(sessionID)
	_, err := ref.Set(ctx, map[string]any{"signup": account}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("storing signup account: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) TakeSignup(ctx context.Context, sessionID string) (*SignupAccount, error) {
	ref := s.client.Collection(s.flashesCol).Doc(sessionID)

	var account *SignupAccount
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc firestoreFlash
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("parsing flash data: %w", err)
		}
		account = doc.Signup
		if account == nil {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "signup", Value: firestore.Delete}})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("taking signup account: %w", err)
	}
	return account, nil
}

func (s *FirestoreStorage) CleanupExpiredHandshakes(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	iter := s.client.Collection(s.handshakesCol).Where("createdAt", "<", cutoff).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("listing expired handshakes: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			log.LogErrorWithFields("storage", "Failed to delete expired handshake", map[string]any{
				"doc":   snap.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
