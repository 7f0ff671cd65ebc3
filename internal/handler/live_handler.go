package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/todoman/internal/authstate"
	"github.com/hitoshi/todoman/internal/guard"
	"github.com/hitoshi/todoman/internal/model"
)

const (
	liveWriteWait    = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingInterval = livePongWait * 9 / 10
	liveReadLimit    = 512
)

// liveStateMessage は認証状態の通知。
type liveStateMessage struct {
	Type    string      `json:"type"`
	User    *model.User `json:"user"`
	Loading bool        `json:"loading"`
}

// liveRedirectMessage はページ遷移の指示。replaceは履歴を置き換えることを表す。
type liveRedirectMessage struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Replace bool   `json:"replace"`
}

// LiveHandler は表示中のページに認証状態の変化を通知するWebSocketハンドラー。
// 接続1つにつき認証状態のオブザーバーを1つマウントし、切断時に解除する。
type LiveHandler struct {
	browsers     BrowserSource
	upgrader     websocket.Upgrader
	loginPath    string
	pingInterval time.Duration
}

// NewLiveHandler はLiveHandlerを生成する。
// Originの検証はgorilla/websocketの既定（Hostと一致するもののみ許可）に従う。
func NewLiveHandler(browsers BrowserSource, loginPath string) *LiveHandler {
	if loginPath == "" {
		loginPath = guard.DefaultLoginPath
	}
	return &LiveHandler{
		browsers: browsers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		loginPath:    loginPath,
		pingInterval: livePingInterval,
	}
}

// ServeHTTP は接続中、状態が変わるたびに {type:"state"} を送る。
// 未認証になった場合は続けて {type:"redirect"} を1回送る。
// GET /ws/session
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		slog.Debug("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	v := authstate.Mount(b.Session)
	defer v.Unmount()
	g := guard.New(h.loginPath)

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	if err := h.push(conn, g, v.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-v.Changed():
			if err := h.push(conn, g, v.Snapshot()); err != nil {
				slog.Debug("live connection write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// push は状態を送り、ガードがリダイレクトと判定した場合は遷移の指示も送る。
func (h *LiveHandler) push(conn *websocket.Conn, g *guard.Guard, snap authstate.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := conn.WriteJSON(liveStateMessage{Type: "state", User: snap.User, Loading: snap.Loading}); err != nil {
		return err
	}
	if d := g.Decide(snap); d.Action == guard.ActionRedirect {
		return conn.WriteJSON(liveRedirectMessage{Type: "redirect", To: d.To, Replace: true})
	}
	return nil
}

// readUntilClosed はクライアントからのメッセージを読み捨て、切断されたらclosedを閉じる。
// Pongを受け取るたびに読み取り期限を延ばす。
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(liveReadLimit)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
