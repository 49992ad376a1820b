package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/scheduling"
)

type Handlers struct {
	svc *scheduling.Service
	log *logger.Logger
}

func NewHandlers(svc *scheduling.Service, log *logger.Logger) *Handlers {
	return &Handlers{svc: svc, log: log}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.log, err)
}

func actorOf(r *http.Request) scheduling.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

type listQuery struct {
	status        scheduling.AppointmentStatus
	limit, offset int
}

func parseListQuery(w http.ResponseWriter, r *http.Request) (listQuery, bool) {
	q := r.URL.Query()
	var lq listQuery

	if s := q.Get("status"); s != "" {
		lq.status = scheduling.AppointmentStatus(strings.ToLower(s))
		if !lq.status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+s)
			return lq, false
		}
	}
	for name, dst := range map[string]*int{"limit": &lq.limit, "offset": &lq.offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be an integer")
				return lq, false
			}
			*dst = n
		}
	}
	return lq, true
}

// Patients

func (h *Handlers) onboardPatient(w http.ResponseWriter, r *http.Request) {
	var req OnboardPatientRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	p := scheduling.Patient{
		ID:      actorOf(r).ID,
		Name:    req.Name,
		Gender:  req.Gender,
		Phone:   req.Phone,
		Address: req.Address,
	}
	if req.Email != "" {
		p.Email = &req.Email
	}
	if req.DateOfBirth != "" {
		dob, err := time.Parse(scheduling.DateLayout, req.DateOfBirth)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "date_of_birth must be YYYY-MM-DD")
			return
		}
		p.DateOfBirth = &dob
	}

	created, err := h.svc.OnboardPatient(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientResponse(created))
}

func (h *Handlers) getMyPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPatient(r.Context(), actorOf(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientResponse(p))
}

func (h *Handlers) updateMyPatient(w http.ResponseWriter, r *http.Request) {
	var req UpdatePatientRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	upd := scheduling.PatientUpdate{
		Name:    req.Name,
		Email:   req.Email,
		Gender:  req.Gender,
		Phone:   req.Phone,
		Address: req.Address,
	}
	if req.DateOfBirth != nil {
		dob, err := time.Parse(scheduling.DateLayout, *req.DateOfBirth)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "date_of_birth must be YYYY-MM-DD")
			return
		}
		upd.DateOfBirth = &dob
	}

	p, err := h.svc.UpdatePatientProfile(r.Context(), actorOf(r).ID, upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientResponse(p))
}

// Doctors

func (h *Handlers) onboardProvider(w http.ResponseWriter, r *http.Request) {
	var req OnboardProviderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	provider, slots, err := h.svc.OnboardProvider(r.Context(), scheduling.Provider{
		ID:                 actorOf(r).ID,
		Name:               req.Name,
		Specialty:          req.Specialty,
		ConsultationFee:    req.ConsultationFee,
		Timezone:           req.Timezone,
		CancellationCutoff: time.Duration(req.CancellationCutoffMinutes) * time.Minute,
	}, toDateRanges(req.TimeSlots))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, OnboardProviderResponse{
		Provider: toProviderResponse(provider),
		Slots:    toSlotResponses(slots),
	})
}

func (h *Handlers) getMyProvider(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	p, err := h.svc.GetProvider(r.Context(), actor.ID, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(p))
}

func (h *Handlers) updateMyProvider(w http.ResponseWriter, r *http.Request) {
	var req UpdateProviderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	upd := scheduling.ProviderUpdate{
		Name:            req.Name,
		Specialty:       req.Specialty,
		ConsultationFee: req.ConsultationFee,
		Timezone:        req.Timezone,
	}
	if req.CancellationCutoffMinutes != nil {
		cutoff := time.Duration(*req.CancellationCutoffMinutes) * time.Minute
		upd.CancellationCutoff = &cutoff
	}

	p, err := h.svc.UpdateProviderProfile(r.Context(), actorOf(r).ID, upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(p))
}

func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	filter := scheduling.ProviderFilter{Search: r.URL.Query().Get("search")}
	if v := r.URL.Query().Get("verified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_verified", "verified must be a boolean")
			return
		}
		filter.Verified = &b
	}
	h.writeProviders(w, r, filter)
}

func (h *Handlers) listPendingProviders(w http.ResponseWriter, r *http.Request) {
	verified := false
	h.writeProviders(w, r, scheduling.ProviderFilter{Verified: &verified, Search: r.URL.Query().Get("search")})
}

func (h *Handlers) writeProviders(w http.ResponseWriter, r *http.Request, filter scheduling.ProviderFilter) {
	providers, err := h.svc.ListProviders(r.Context(), filter, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ProviderResponse, 0, len(providers))
	for i := range providers {
		out = append(out, toProviderResponse(&providers[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetProvider(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(p))
}

func (h *Handlers) verifyProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.VerifyProvider(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(p))
}

func (h *Handlers) listBookableSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	slots, err := h.svc.ListBookableSlots(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// Provider slots

func (h *Handlers) addSlots(w http.ResponseWriter, r *http.Request) {
	var req AddSlotsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.svc.AddAvailability(r.Context(), actorOf(r).ID, toDateRanges(req.Slots))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponses(created))
}

func (h *Handlers) listMySlots(w http.ResponseWriter, r *http.Request) {
	filter := scheduling.SlotFilter{}
	if v := r.URL.Query().Get("unbooked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_unbooked", "unbooked must be a boolean")
			return
		}
		filter.OnlyUnbooked = b
	}

	slots, err := h.svc.ListSlots(r.Context(), actorOf(r).ID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

func (h *Handlers) deleteSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteSlot(r.Context(), actorOf(r).ID, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Appointments

func (h *Handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	// Both parse after validation.
	doctorID := uuid.MustParse(req.DoctorID)
	slotID := uuid.MustParse(req.SlotID)

	appt, err := h.svc.BookAppointment(r.Context(), actorOf(r).ID, doctorID, slotID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.CancelAppointment(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.CompleteAppointment(r.Context(), id, actorOf(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) confirmAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.ConfirmAppointment(r.Context(), id, actorOf(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) listMyAppointments(w http.ResponseWriter, r *http.Request) {
	lq, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	appts, err := h.svc.ListPatientAppointments(r.Context(), actorOf(r).ID, lq.status, lq.limit, lq.offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponses(appts))
}

func (h *Handlers) listProviderAppointments(w http.ResponseWriter, r *http.Request) {
	lq, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	appts, err := h.svc.ListProviderAppointments(r.Context(), actorOf(r).ID, lq.status, lq.limit, lq.offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponses(appts))
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}
