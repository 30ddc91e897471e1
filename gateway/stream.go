package gateway

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"firechat/chat"
	"firechat/models"
)

const streamWriteTimeout = 10 * time.Second

type streamFrame struct {
	Key      string           `json:"key"`
	Messages []models.Message `json:"messages"`
}

// handleStream upgrades to WebSocket and pushes the conversation snapshot on
// every mutation, starting with the current state.
func (s *Server) handleStream(c echo.Context) error {
	peer, err := s.resolvePeer(c.Request().Context(), c.Param("peer"))
	if err != nil {
		return peerError(c, err)
	}

	key, err := chat.DeriveKey(s.session.Self(), peer)
	if err != nil {
		return c.JSON(400, errorResponse{Error: err.Error()})
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := c.Request().Context()

	// Mutations are snapshots already; buffer one and let newer snapshots
	// replace a pending one so a slow client never blocks the index.
	updates := make(chan []models.Message, 1)
	unsubscribe := s.session.Index().Subscribe(key, func(msgs []models.Message) {
		for {
			select {
			case updates <- msgs:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	// Detect the client going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := s.writeFrame(ctx, conn, key, s.session.Index().Messages(key)); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		case <-readDone:
			return nil
		case msgs := <-updates:
			if err := s.writeFrame(ctx, conn, key, msgs); err != nil {
				log.Debug().Err(err).Str("key", string(key)).Msg("stream write failed")
				return nil
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, key chat.Key, msgs []models.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, streamFrame{Key: string(key), Messages: msgs})
}
